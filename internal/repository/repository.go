// Package repository содержит реализации хранилища покупок и белого списка
// для PostgreSQL и SQLite.
package repository

import (
	"embed"
	"errors"
	"strings"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

var (
	// ErrDuplicateSession возвращается при повторном сохранении покупки с тем же идентификатором сессии.
	ErrDuplicateSession = errors.New("purchase with this session already exists")
	// ErrPurchaseNotFound возвращается, если покупка не найдена.
	ErrPurchaseNotFound = errors.New("purchase not found")
	// ErrAccessNotFound возвращается, если у игрока нет записи в белом списке.
	ErrAccessNotFound = errors.New("access entry not found")
)

// IsSQLiteDSN сообщает, что строка подключения указывает на файл SQLite.
func IsSQLiteDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "sqlite:") || strings.HasPrefix(dsn, "file:")
}
