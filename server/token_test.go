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
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "0123456789abcdef0123"

func TestParseToken(t *testing.T) {
	userID := newID(t)

	token, exp := generateTokenWithExpiry(testSigningKey, "tid", userID.String(), "alex", time.Now().Add(time.Hour))
	parsedID, username, parsedExp, ok := parseToken([]byte(testSigningKey), token)
	require.True(t, ok)
	assert.Equal(t, userID, parsedID)
	assert.Equal(t, "alex", username)
	assert.Equal(t, exp, parsedExp)

	_, _, _, ok = parseToken([]byte("another-signing-key!"), token)
	assert.False(t, ok, "wrong key")

	expired, _ := generateTokenWithExpiry(testSigningKey, "tid", userID.String(), "alex", time.Now().Add(-time.Minute))
	_, _, _, ok = parseToken([]byte(testSigningKey), expired)
	assert.False(t, ok, "expired")

	badUser, _ := generateTokenWithExpiry(testSigningKey, "tid", "not-a-uuid", "alex", time.Now().Add(time.Hour))
	_, _, _, ok = parseToken([]byte(testSigningKey), badUser)
	assert.False(t, ok, "user ID must be a UUID")

	_, _, _, ok = parseToken([]byte(testSigningKey), "garbage")
	assert.False(t, ok)
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, &SessionTokenClaims{
		UserID:    newID(t).String(),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSigningKey))
	require.NoError(t, err)

	_, _, _, ok := parseToken([]byte(testSigningKey), signed)
	assert.False(t, ok)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	token, ok := tokenFromRequest(r)
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	_, ok = tokenFromRequest(r)
	assert.False(t, ok, "only bearer tokens are accepted")

	r = httptest.NewRequest("GET", "/ws?access_token=def", nil)
	token, ok = tokenFromRequest(r)
	assert.True(t, ok)
	assert.Equal(t, "def", token)

	r = httptest.NewRequest("GET", "/ws?token=ghi", nil)
	token, ok = tokenFromRequest(r)
	assert.True(t, ok)
	assert.Equal(t, "ghi", token)

	r = httptest.NewRequest("GET", "/ws", nil)
	_, ok = tokenFromRequest(r)
	assert.False(t, ok)
}
