// Package auth reads the Discord bot token from the operator.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ReadToken prompts on w and reads one line from r. A leading "Bot "
// prefix copied from the developer portal is stripped.
func ReadToken(r io.Reader, w io.Writer) (string, error) {
	fmt.Fprintln(w, "Paste your bot token from discord.com/developers/applications:")
	fmt.Fprint(w, "> ")

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return "", errors.New("no input received")
	}

	token := strings.TrimSpace(scanner.Text())
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bot "))
	if token == "" {
		return "", errors.New("token cannot be empty")
	}
	if strings.Count(token, ".") != 2 || strings.ContainsAny(token, " \t") {
		return "", errors.New("token does not look like a Discord bot token")
	}

	return token, nil
}
