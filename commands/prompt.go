package commands

import (
	"bufio"
	"fmt"
	"meshnode/datamodel/apikey"
	"strings"
)

// PromptSeed asks the operator for the first API key of a new network.
func PromptSeed(console *Console) (*apikey.Record, error) {
	sc := bufio.NewScanner(console.In)

	ask := func(label string) (string, error) {
		fmt.Fprintf(console.Out, "%s: ", label)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("no input for %s", label)
		}
		return strings.TrimSpace(sc.Text()), nil
	}

	fmt.Fprintln(console.Out, "The API key registry is empty. Enter the first key for this network.")

	key, err := ask("API key")
	if err != nil {
		return nil, err
	}
	email, err := ask("Email")
	if err != nil {
		return nil, err
	}

	rec := &apikey.Record{Key: key, Email: email}
	return rec, rec.Validate()
}
