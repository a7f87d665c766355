package provision

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const (
	passwordPrefix  = "Vps@"
	passwordCharset = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"
	passwordBody    = 8

	maxRepoName = 100
)

var repoNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// GeneratePassword returns a typeable desktop password: a fixed prefix, eight
// characters without look-alikes and a trailing digit.
func GeneratePassword() (string, error) {
	var b strings.Builder
	b.Grow(len(passwordPrefix) + passwordBody + 1)
	b.WriteString(passwordPrefix)
	for i := 0; i < passwordBody; i++ {
		c, err := randIndex(len(passwordCharset))
		if err != nil {
			return "", err
		}
		b.WriteByte(passwordCharset[c])
	}
	d, err := randIndex(10)
	if err != nil {
		return "", err
	}
	b.WriteByte(byte('0' + d))
	return b.String(), nil
}

func randIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// IsValidRepoName accepts names that are safe as a repository name and path
// segment on the host.
func IsValidRepoName(name string) bool {
	if name == "" || len(name) > maxRepoName {
		return false
	}
	if !repoNamePattern.MatchString(name) {
		return false
	}
	return !strings.Contains(name, "..") && !strings.Contains(name, "--")
}
