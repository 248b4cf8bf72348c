// Package postgres provides the PostgreSQL booking store, user directory
// and transactional outbox.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/swiftcare/booking-engine/internal/domain/booking"
)

// DB is the part of pgxpool.Pool the components use. pgxmock pools
// satisfy it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SQLSTATE codes the stores translate.
const (
	codeUniqueViolation     = "23505"
	codeExclusionViolation  = "23P01"
	codeForeignKeyViolation = "23503"
	codeInvalidText         = "22P02"
)

// translate maps driver errors onto booking error kinds.
func translate(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return booking.Wrap(booking.KindNotFound, err, msg)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation, codeExclusionViolation:
			return booking.Wrap(booking.KindConflict, err, "consultant already booked for this time")
		case codeForeignKeyViolation:
			return booking.Wrap(booking.KindValidation, err, "booking references an unknown user")
		case codeInvalidText:
			return booking.Wrap(booking.KindValidation, err, msg)
		}
	}
	return booking.Classify(err, msg)
}
