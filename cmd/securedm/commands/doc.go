// Package commands implements the securedm command-line interface.
package commands
