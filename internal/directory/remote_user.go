package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrMalformedRecord indicates a remote payload element that failed boundary validation.
var ErrMalformedRecord = errors.New("directory: malformed record")

// RemoteUser is a validated user record from the remote directory.
type RemoteUser struct {
	ID       int64
	Name     string
	Email    string
	Username string
	Phone    string
	Website  string
}

// Rejection describes a remote element dropped at the boundary.
type Rejection struct {
	Index  int
	Reason string
}

type remoteUserPayload struct {
	ID       *json.Number `json:"id"`
	Name     *string      `json:"name"`
	Email    *string      `json:"email"`
	Username string       `json:"username"`
	Phone    string       `json:"phone"`
	Website  string       `json:"website"`
}

// ParseRemoteUser validates a single JSON element. The id must be a positive
// integer; name and email are required and email must be a bare address.
func ParseRemoteUser(raw json.RawMessage) (RemoteUser, error) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return RemoteUser{}, fmt.Errorf("%w: element is not an object", ErrMalformedRecord)
	}

	decoder := json.NewDecoder(strings.NewReader(trimmed))
	decoder.UseNumber()
	var payload remoteUserPayload
	if err := decoder.Decode(&payload); err != nil {
		return RemoteUser{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	if payload.ID == nil {
		return RemoteUser{}, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	id, err := payload.ID.Int64()
	if err != nil || id <= 0 {
		return RemoteUser{}, fmt.Errorf("%w: id %q is not a positive integer", ErrMalformedRecord, payload.ID.String())
	}

	if payload.Name == nil || strings.TrimSpace(*payload.Name) == "" {
		return RemoteUser{}, fmt.Errorf("%w: user %d has no name", ErrMalformedRecord, id)
	}
	if payload.Email == nil {
		return RemoteUser{}, fmt.Errorf("%w: user %d has no email", ErrMalformedRecord, id)
	}
	email := strings.TrimSpace(*payload.Email)
	address, err := mail.ParseAddress(email)
	if err != nil || address.Address != email {
		return RemoteUser{}, fmt.Errorf("%w: user %d email %q is invalid", ErrMalformedRecord, id, email)
	}

	return RemoteUser{
		ID:       id,
		Name:     strings.TrimSpace(*payload.Name),
		Email:    email,
		Username: strings.TrimSpace(payload.Username),
		Phone:    strings.TrimSpace(payload.Phone),
		Website:  strings.TrimSpace(payload.Website),
	}, nil
}

// ParseRemoteUsers validates every element of a JSON array, keeping the
// valid ones and reporting the rest.
func ParseRemoteUsers(body []byte) ([]RemoteUser, []Rejection, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return nil, nil, fmt.Errorf("%w: body is not an array: %v", ErrMalformedRecord, err)
	}

	users := make([]RemoteUser, 0, len(elements))
	var rejections []Rejection
	seen := make(map[int64]struct{}, len(elements))
	for index, element := range elements {
		user, err := ParseRemoteUser(element)
		if err != nil {
			rejections = append(rejections, Rejection{Index: index, Reason: err.Error()})
			continue
		}
		if _, duplicate := seen[user.ID]; duplicate {
			rejections = append(rejections, Rejection{Index: index, Reason: fmt.Sprintf("duplicate id %d", user.ID)})
			continue
		}
		seen[user.ID] = struct{}{}
		users = append(users, user)
	}
	return users, rejections, nil
}
