package prevarisc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound — запись в базе Prevarisc не найдена.
	ErrNotFound = errors.New("prevarisc: запись не найдена")
	// ErrAlreadyImported — консультация уже связана с dossier.
	ErrAlreadyImported = errors.New("prevarisc: консультация уже импортирована")
	// ErrUnsupportedCategory — природа dossier Plat'AU не поддерживается Prevarisc.
	ErrUnsupportedCategory = errors.New("prevarisc: природа dossier не поддерживается")
	// ErrUnknownCategory — неизвестная природа dossier Plat'AU.
	ErrUnknownCategory = errors.New("prevarisc: неизвестная природа dossier")
	// ErrUnknownStatus — статуса пьесы нет в piecejointestatut.
	ErrUnknownStatus = errors.New("prevarisc: неизвестный статус пьесы")
	// ErrSchemaIncompatible — схема базы не подготовлена для шлюза.
	ErrSchemaIncompatible = errors.New("prevarisc: схема базы несовместима")
)

// SchemaError перечисляет недостающие элементы схемы.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("в базе Prevarisc отсутствуют: %s", strings.Join(e.Missing, ", "))
}

func (e *SchemaError) Unwrap() error {
	return ErrSchemaIncompatible
}
