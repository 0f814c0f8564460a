package domain

import "errors"

// ErrNotFound возвращается репозиториями, когда запись отсутствует.
var ErrNotFound = errors.New("запись не найдена")

// ErrAlreadyExists возвращается при нарушении уникальности.
var ErrAlreadyExists = errors.New("запись уже существует")
