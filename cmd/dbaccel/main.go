// Command dbaccel runs and inspects the database access layer.
package main

import "github.com/shizukutanaka/dbaccel/cmd/dbaccel/commands"

func main() {
	commands.Execute()
}
