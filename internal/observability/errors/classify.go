// Package errors names failure classes for metric tags and alerts.
package errors

import (
	"context"
	goerrors "errors"
	"net"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	mail "github.com/wneessen/go-mail"
)

// Classify returns a short class for err. Failures a pipeline unit commonly
// dies of get a fixed name; anything else is named after its innermost type.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var sendErr *mail.SendError
	var pgErr *pgconn.PgError
	var netErr net.Error
	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	case goerrors.As(err, &sendErr):
		if sendErr.IsTemp() {
			return "smtp_temporary"
		}
		return "smtp"
	case goerrors.As(err, &pgErr):
		return "database"
	case goerrors.As(err, &netErr):
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}
	return typeName(err)
}

func typeName(err error) string {
	for u := goerrors.Unwrap(err); u != nil; u = goerrors.Unwrap(err) {
		err = u
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := strings.ToLower(strings.ReplaceAll(t.String(), ".", "_"))
	if name == "" {
		return "unknown"
	}
	return name
}
