package auth

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// PlayerClaims binds a token to one player in one room.
type PlayerClaims struct {
	PlayerID string `json:"player_id"`
	RoomID   string `json:"room_id"`
	jwt.RegisteredClaims
}

// Service mints and validates player tokens
type Service struct {
	secret []byte
	ttl    time.Duration
}

// NewService creates an auth service reading JWT_SECRET from the environment.
func NewService() *Service {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "tandem-dev-secret-change-in-production"
	}
	return &Service{
		secret: []byte(secret),
		ttl:    24 * time.Hour,
	}
}

// MintPlayerToken issues a token for a player joined to a room.
func (s *Service) MintPlayerToken(playerID, roomID uuid.UUID) (string, error) {
	now := time.Now()
	claims := &PlayerClaims{
		PlayerID: playerID.String(),
		RoomID:   roomID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidatePlayerToken validates a token and returns its claims.
func (s *Service) ValidatePlayerToken(tokenString string) (*PlayerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PlayerClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*PlayerClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
