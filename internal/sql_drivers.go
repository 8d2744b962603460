package internal

import (
	// database/sql drivers for the sql notification publisher, selected by
	// notifications.sql.driver ("postgres" or "mysql").
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
