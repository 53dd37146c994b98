package utils

import "strings"

// MaskEmail hides the local part for log output: jane.doe@x.org -> j***e@x.org.
func MaskEmail(email string) string {
	if len(email) < 5 {
		return email
	}

	username, domain, ok := strings.Cut(email, "@")
	if !ok {
		return email
	}

	if len(username) > 2 {
		return string(username[0]) + "***" + string(username[len(username)-1]) + "@" + domain
	}
	return username + "@" + domain
}

// MaskEmails applies MaskEmail to every address.
func MaskEmails(emails []string) []string {
	out := make([]string, len(emails))
	for i, e := range emails {
		out[i] = MaskEmail(e)
	}
	return out
}
