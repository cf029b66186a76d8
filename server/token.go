// Copyright 2026 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v4"
)

// SessionTokenClaims are issued by the account service and presented when a socket is opened.
type SessionTokenClaims struct {
	TokenID   string `json:"tid,omitempty"`
	UserID    string `json:"uid,omitempty"`
	Username  string `json:"usn,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

func (stc *SessionTokenClaims) Valid() error {
	// Verify expiry.
	if stc.ExpiresAt <= time.Now().UTC().Unix() {
		vErr := new(jwt.ValidationError)
		vErr.Inner = errors.New("Token is expired")
		vErr.Errors |= jwt.ValidationErrorExpired
		return vErr
	}
	return nil
}

func parseToken(hmacSecretByte []byte, tokenString string) (userID uuid.UUID, username string, exp int64, ok bool) {
	jwtToken, err := jwt.ParseWithClaims(tokenString, &SessionTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if s, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || s.Hash != crypto.SHA256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return hmacSecretByte, nil
	})
	if err != nil {
		return
	}
	claims, ok := jwtToken.Claims.(*SessionTokenClaims)
	if !ok || !jwtToken.Valid {
		return uuid.Nil, "", 0, false
	}
	userID, err = uuid.FromString(claims.UserID)
	if err != nil || userID == uuid.Nil {
		return uuid.Nil, "", 0, false
	}
	return userID, claims.Username, claims.ExpiresAt, true
}

func generateTokenWithExpiry(signingKey, tokenID, userID, username string, expiry time.Time) (string, int64) {
	exp := expiry.UTC().Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &SessionTokenClaims{
		TokenID:   tokenID,
		UserID:    userID,
		Username:  username,
		ExpiresAt: exp,
		IssuedAt:  time.Now().UTC().Unix(),
	})
	signedToken, _ := token.SignedString([]byte(signingKey))
	return signedToken, exp
}

// tokenFromRequest reads the bearer token from the Authorization header, or
// from the access_token or token query parameters browsers must use for sockets.
func tokenFromRequest(r *http.Request) (string, bool) {
	if auth := r.Header["Authorization"]; len(auth) >= 1 {
		const prefix = "Bearer "
		if !strings.HasPrefix(auth[0], prefix) {
			return "", false
		}
		token := auth[0][len(prefix):]
		return token, token != ""
	}

	query := r.URL.Query()
	if token := query.Get("access_token"); token != "" {
		return token, true
	}
	token := query.Get("token")
	return token, token != ""
}
