package webserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// accessCookie carries the access token for page navigations, which
// cannot set an Authorization header.
const accessCookie = "jobkit_token"

// IssueAccessToken creates a signed HS256 JWT for the given username.
func IssueAccessToken(secret, username string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   username,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateAccessToken parses and validates a JWT, returning the subject (username).
func ValidateAccessToken(secret, tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// GenerateRefreshToken returns a cryptographically random 32-byte hex string.
func GenerateRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type contextKey string

const usernameKey contextKey = "username"

// Username returns the authenticated user of a request, if any.
func Username(ctx context.Context) string {
	name, _ := ctx.Value(usernameKey).(string)
	return name
}

// jwtMiddleware validates the Bearer token in the Authorization header.
// Requests to public paths bypass validation.
// EventSource and websocket clients may pass the token as ?token=, pages
// carry it in a cookie set at login.
func jwtMiddleware(secret string, publicPaths []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range publicPaths {
			if r.URL.Path == p || strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}

		tokenStr := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			tokenStr = strings.TrimPrefix(auth, "Bearer ")
		} else if q := r.URL.Query().Get("token"); q != "" {
			tokenStr = q
		} else if c, err := r.Cookie(accessCookie); err == nil {
			tokenStr = c.Value
		}

		username, err := ValidateAccessToken(secret, tokenStr)
		if tokenStr == "" || err != nil {
			if isPageRequest(r) {
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}

		ctx := context.WithValue(r.Context(), usernameKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isPageRequest(r *http.Request) bool {
	if r.Method != http.MethodGet || strings.HasPrefix(r.URL.Path, "/api/") {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

var errBadCredentials = errors.New("invalid username or password")

func (s *Server) authAvailable(w http.ResponseWriter) bool {
	if s.cfg.JWTSecret == "" || s.store == nil {
		writeError(w, http.StatusNotFound, errors.New("authentication is not enabled"))
		return false
	}
	return true
}

// issueTokens creates an access/refresh token pair for accountID.
func (s *Server) issueTokens(w http.ResponseWriter, accountID, username string) {
	access, err := IssueAccessToken(s.cfg.JWTSecret, username, s.cfg.AccessTokenTTL)
	if err != nil {
		s.fail(w, err)
		return
	}
	refresh, err := GenerateRefreshToken()
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.CreateRefreshToken(refresh, accountID, time.Now().Add(s.cfg.RefreshTokenTTL)); err != nil {
		s.fail(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookie,
		Value:    access,
		Path:     "/",
		MaxAge:   int(s.cfg.AccessTokenTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.cfg.AccessTokenTTL.Seconds()),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.authAvailable(w) {
		return
	}
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acc, err := s.store.GetAccountByUsername(creds.Username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errBadCredentials)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(creds.Password)); err != nil {
		s.logger.Warn("login failed", "username", creds.Username)
		writeError(w, http.StatusUnauthorized, errBadCredentials)
		return
	}
	s.logger.Info("login", "username", acc.Username)
	s.issueTokens(w, acc.ID, acc.Username)
}

// handleRefresh rotates a refresh token: the presented token is deleted
// and a new pair is issued.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.authAvailable(w) {
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rt, err := s.store.GetRefreshToken(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid refresh token"))
		return
	}
	if err := s.store.DeleteRefreshToken(rt.Token); err != nil {
		s.fail(w, err)
		return
	}
	acc, err := s.store.GetAccount(rt.AccountID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid refresh token"))
		return
	}
	s.issueTokens(w, acc.ID, acc.Username)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !s.authAvailable(w) {
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.DeleteRefreshToken(req.RefreshToken); err != nil {
		s.fail(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: accessCookie, Value: "", Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}
