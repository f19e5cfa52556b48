package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken — данные refresh-токена для управления сессиями.
//
// В БД хранится только хэш значения (sha256 → base64url); сырое значение
// существует лишь у клиента. Запись либо активна (ExpiresAt в будущем),
// либо просрочена и подлежит удалению, либо отсутствует (отозвана).
type RefreshToken struct {
	// RefreshTokenHash — хэш значения токена, ключ поиска.
	RefreshTokenHash string
	// UserID — владелец токена.
	UserID uuid.UUID
	// CreatedAt — время выпуска (UTC).
	CreatedAt time.Time
	// ExpiresAt — абсолютный срок действия: CreatedAt + RefreshTokenTTL (UTC).
	ExpiresAt time.Time
}
