package web

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/viper"

	types "github.com/lnbits/nostrrelay/lib"
	"github.com/lnbits/nostrrelay/lib/config"
	"github.com/lnbits/nostrrelay/lib/logging"
)

var jwtKey []byte

const tokenLifetime = 24 * time.Hour

// initJWTKey loads the signing key from config; without one, a random
// key is generated and sessions end at restart.
func initJWTKey() {
	secret := viper.GetString("web.jwt_secret")
	if secret == "" {
		generated, err := config.GenerateRandomAPIKey()
		if err != nil {
			logging.Fatalf("Failed to generate a JWT key: %v", err)
		}
		secret = generated
		logging.Warnf("No web.jwt_secret configured, admin sessions will not survive a restart")
	}
	jwtKey = []byte(secret)
}

func (s *Server) signUpUser(c *fiber.Ctx) error {
	if !viper.GetBool("web.signup_enabled") {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Signup is disabled",
		})
	}

	var payload types.LoginPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Cannot parse JSON",
		})
	}

	if err := validateNpub(payload.Npub); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if len(payload.Password) < 8 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Password must be at least 8 characters",
		})
	}

	existing, err := s.store.FindUserByNpub(payload.Npub)
	if err != nil {
		logging.Errorf("Failed to look up user: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	if existing != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "User already exists",
		})
	}

	if _, err := s.store.SignUpUser(payload.Npub, payload.Password); err != nil {
		logging.Errorf("Failed to create user: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "User created successfully",
	})
}

func (s *Server) loginUser(c *fiber.Ctx) error {
	var payload types.LoginPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Cannot parse JSON",
		})
	}

	user, err := s.store.FindUserByNpub(payload.Npub)
	if err != nil {
		logging.Errorf("Failed to look up user: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Internal server error",
		})
	}
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid npub or password",
		})
	}

	if err := s.store.ComparePasswords(user.Password, payload.Password); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid npub or password",
		})
	}

	tokenString, err := issueToken(user.ID, user.Npub)
	if err != nil {
		logging.Errorf("Failed to create JWT token: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Error creating token",
		})
	}

	return c.JSON(fiber.Map{
		"token": tokenString,
		"user": fiber.Map{
			"id":   user.ID,
			"npub": user.Npub,
		},
	})
}

func refreshToken(c *fiber.Ctx) error {
	user := currentUser(c)

	tokenString, err := issueToken(user.UserID, user.Npub)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Could not generate token",
		})
	}

	return c.JSON(fiber.Map{
		"token": tokenString,
	})
}

func issueToken(userID uint, npub string) (string, error) {
	claims := &types.JWTClaims{
		UserID: userID,
		Npub:   npub,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenLifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtKey)
}

func jwtMiddleware(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Missing or invalid Authorization header",
		})
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &types.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtKey, nil
	})
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired token",
		})
	}

	claims, ok := token.Claims.(*types.JWTClaims)
	if !ok || !token.Valid {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid token claims",
		})
	}

	c.Locals("user", claims)
	return c.Next()
}

func currentUser(c *fiber.Ctx) *types.JWTClaims {
	return c.Locals("user").(*types.JWTClaims)
}

func validateNpub(npub string) error {
	prefix, _, err := nip19.Decode(npub)
	if err != nil || prefix != "npub" {
		return fmt.Errorf("npub is not valid")
	}
	return nil
}
