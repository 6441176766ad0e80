package servicetoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerify(test *testing.T) {
	test.Parallel()
	secret := []byte("service-secret")
	token, err := Mint(secret, "storycredits", "story-worker", time.Minute, time.Now())
	require.NoError(test, err)

	subject, err := NewVerifier(secret, "storycredits").VerifyHeader("Bearer " + token)
	require.NoError(test, err)
	require.Equal(test, "story-worker", subject)
}

func TestVerifyRejects(test *testing.T) {
	test.Parallel()
	secret := []byte("service-secret")
	now := time.Now()
	valid, err := Mint(secret, "storycredits", "story-worker", time.Minute, now)
	require.NoError(test, err)
	expired, err := Mint(secret, "storycredits", "story-worker", time.Minute, now.Add(-time.Hour))
	require.NoError(test, err)
	foreign, err := Mint(secret, "someone-else", "story-worker", time.Minute, now)
	require.NoError(test, err)
	wrongKey, err := Mint([]byte("other"), "storycredits", "story-worker", time.Minute, now)
	require.NoError(test, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:  "storycredits",
		Subject: "story-worker",
	}}).SignedString(secret)
	require.NoError(test, err)

	verifier := NewVerifier(secret, "storycredits")
	testCases := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"no header", "", ErrMissingToken},
		{"basic auth", "Basic abc", ErrMissingToken},
		{"expired", "Bearer " + expired, ErrInvalidToken},
		{"wrong issuer", "Bearer " + foreign, ErrInvalidToken},
		{"wrong key", "Bearer " + wrongKey, ErrInvalidToken},
		{"no expiry", "Bearer " + noExpiry, ErrInvalidToken},
		{"garbage", "Bearer nope", ErrInvalidToken},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := verifier.VerifyHeader(testCase.header)
			require.ErrorIs(test, err, testCase.wantErr)
		})
	}

	_, err = NewVerifier(nil, "storycredits").Verify(valid)
	require.ErrorIs(test, err, ErrInvalidToken)
}

func TestMintValidation(test *testing.T) {
	test.Parallel()
	_, err := Mint(nil, "issuer", "subject", time.Minute, time.Now())
	require.ErrorIs(test, err, ErrInvalidToken)
	_, err = Mint([]byte("k"), "issuer", " ", time.Minute, time.Now())
	require.ErrorIs(test, err, ErrInvalidToken)
	_, err = Mint([]byte("k"), "issuer", "subject", 0, time.Now())
	require.ErrorIs(test, err, ErrInvalidToken)
}
