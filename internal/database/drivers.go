package database

import (
	_ "github.com/lib/pq"           // "postgres" driver
	_ "github.com/mattn/go-sqlite3" // "sqlite3" driver
)
