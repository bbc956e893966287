package common

import (
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// ValidateChannelName check the broadcast channel name is usable as a NATS subject token
func ValidateChannelName(name string, validate *validator.Validate) error {
	if err := validate.Var(name, "required,printascii,excludesall=*>"); err != nil {
		return err
	}
	if strings.ContainsAny(name, " \t") {
		return fmt.Errorf("channel name '%s' contains whitespace", name)
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") || strings.Contains(name, "..") {
		return fmt.Errorf("channel name '%s' has an empty token", name)
	}
	return nil
}
