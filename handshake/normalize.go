package handshake

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/kolayfit/nativeauth/provider"
)

// RawResult is what the provider produced for one completion signal.
type RawResult struct {
	Account *provider.Account
	Err     error
}

// Field paths across the payload shapes returned by the different SDK versions. The first
// non-empty match wins.
var (
	idTokenPaths     = []string{"idToken", "id_token", "authentication.idToken", "authentication.id_token", "credential"}
	accessTokenPaths = []string{"accessToken", "access_token", "serverAuthCode", "authentication.accessToken"}
	displayNamePaths = []string{"displayName", "name", "profile.name"}
	emailPaths       = []string{"email", "profile.email"}
	avatarPaths      = []string{"photoUrl", "imageUrl", "picture", "profile.picture"}
)

// Normalize maps a raw provider result onto an Outcome. It never fails: every input yields
// exactly one Success or Failure.
func Normalize(raw RawResult) Outcome {
	if raw.Err != nil {
		return normalizeError(raw.Err)
	}
	if raw.Account == nil || len(raw.Account.Payload) == 0 {
		return malformed("provider returned no account")
	}
	payload := raw.Account.Payload
	if !gjson.ValidBytes(payload) {
		return malformed("provider account payload is not valid JSON")
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return malformed("provider account payload is not an object")
	}

	s := Success{
		IDToken:     first(doc, idTokenPaths),
		AccessToken: first(doc, accessTokenPaths),
		DisplayName: first(doc, displayNamePaths),
		Email:       first(doc, emailPaths),
		AvatarURL:   first(doc, avatarPaths),
	}
	if s.IDToken == "" {
		return malformed("provider account has no identity token")
	}
	if s.DisplayName == "" {
		s.DisplayName = strings.TrimSpace(doc.Get("givenName").String() + " " + doc.Get("familyName").String())
	}
	if s.DisplayName == "" || s.Email == "" || s.AvatarURL == "" {
		fillFromClaims(&s)
	}
	return s
}

func normalizeError(err error) Failure {
	var pe *provider.Error
	if errors.As(err, &pe) {
		msg := pe.Message
		if msg == "" {
			msg = fmt.Sprintf("sign-in failed: %d", pe.Code)
		}
		return Failure{Code: pe.Code, Message: msg}
	}
	var f Failure
	if errors.As(err, &f) {
		return f
	}
	return Failure{Code: StatusInternal, Message: err.Error()}
}

func malformed(msg string) Failure {
	return Failure{Code: StatusMalformedResult, Message: msg}
}

func first(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Type == gjson.String {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// fillFromClaims fills missing profile fields from the identity token when it is a JWT. The
// token is not verified here; the relying party verifies it.
func fillFromClaims(s *Success) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.IDToken, claims); err != nil {
		return
	}
	claim := func(name string) string {
		v, _ := claims[name].(string)
		return v
	}
	if s.DisplayName == "" {
		s.DisplayName = claim("name")
	}
	if s.Email == "" {
		s.Email = claim("email")
	}
	if s.AvatarURL == "" {
		s.AvatarURL = claim("picture")
	}
}
