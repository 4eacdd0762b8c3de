package credentials

import (
	"encoding/json"
	"slices"

	"github.com/zalando/go-keyring"
)

const knownUsersKey = "app:known_users"

// AddKnownUser records a user id in the keyring-backed account registry.
func AddKnownUser(userID string) error {
	users := GetKnownUsers()
	if slices.Contains(users, userID) {
		return nil
	}
	users = append(users, userID)
	data, _ := json.Marshal(users)
	return keyring.Set(serviceName, knownUsersKey, string(data))
}

func RemoveKnownUser(userID string) error {
	users := GetKnownUsers()
	filtered := slices.DeleteFunc(users, func(u string) bool { return u == userID })
	data, _ := json.Marshal(filtered)
	return keyring.Set(serviceName, knownUsersKey, string(data))
}

func GetKnownUsers() []string {
	raw, err := keyring.Get(serviceName, knownUsersKey)
	if err != nil {
		return nil
	}
	var users []string
	_ = json.Unmarshal([]byte(raw), &users)
	return users
}

// DefaultUser returns the sole known user, or "" when none or several are
// registered and the caller must pick explicitly.
func DefaultUser() string {
	users := GetKnownUsers()
	if len(users) == 1 {
		return users[0]
	}
	return ""
}
