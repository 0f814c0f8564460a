package scraper

import (
	"fmt"

	"tweetkeeper/internal/domain"
)

// apiVersion — версия протокола шлюза, с которой умеет работать клиент.
// Ответ с другой версией отклоняется до разбора полезной нагрузки.
const apiVersion = "1"

type versionedResponse struct {
	APIVersion string `json:"api_version"`
}

func (r versionedResponse) checkVersion() error {
	if r.APIVersion != apiVersion {
		return fmt.Errorf("scraper: неподдерживаемая версия ответа %q", r.APIVersion)
	}
	return nil
}

type challengeInfo struct {
	Kind   string `json:"kind"`
	Prompt string `json:"prompt"`
	Flow   []byte `json:"flow"`
}

type loginRequest struct {
	Handle   string `json:"handle"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

type resumeLoginRequest struct {
	Flow []byte `json:"flow"`
	Code string `json:"code"`
}

type restoreRequest struct {
	Cookies []byte `json:"cookies"`
}

type sessionResponse struct {
	versionedResponse
	Cookies   []byte                 `json:"cookies"`
	Profile   domain.ProviderProfile `json:"profile"`
	Challenge *challengeInfo         `json:"challenge,omitempty"`
}

type profileResponse struct {
	versionedResponse
	Profile domain.ProviderProfile `json:"profile"`
}

type postsRequest struct {
	Cookies    []byte `json:"cookies"`
	ExternalID string `json:"external_id"`
	Limit      int    `json:"limit"`
}

type postsResponse struct {
	versionedResponse
	Posts []domain.ProviderPost `json:"posts"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
