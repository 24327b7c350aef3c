package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxIdleTime = 5 * time.Minute
	pingTimeout     = 5 * time.Second
)

var _ EventChatRepository = (*PgEventChatRepository)(nil)

// PgEventChatRepository is safe for concurrent use. Every client read pump
// shares the same pool.
type PgEventChatRepository struct {
	conn *sql.DB
}

func NewPgEventChatRepository(dsn string) (*PgEventChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PgEventChatRepository{conn: db}, nil
}

func (db *PgEventChatRepository) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	return db.conn.PingContext(ctx)
}

func (db *PgEventChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
