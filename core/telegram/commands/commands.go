// Package commands describes bot commands and who may see them.
package commands

import (
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Command is a registered bot command. AdminOnly commands pass through the
// access overlay before the handler runs.
type Command struct {
	Handler     tele.HandlerFunc
	Description string
	AdminOnly   bool
	Hidden      bool
	Aliases     []string
}

// VisibleTo reports whether the command belongs in the help listing for a
// caller with the given admin flag.
func (c Command) VisibleTo(admin bool) bool {
	return !c.Hidden && (admin || !c.AdminOnly)
}

// Matches reports whether name (with or without the leading slash) is one of
// the command aliases.
func (c Command) Matches(name string) bool {
	name = strings.TrimPrefix(name, "/")
	for _, alias := range c.Aliases {
		if strings.TrimPrefix(alias, "/") == name {
			return true
		}
	}
	return false
}
