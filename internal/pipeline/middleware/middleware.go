// Package middleware define middlewares for Jobs.
package middleware

import "github.com/blacktop/machlink/internal/context"

// Action is a function that takes a context and returns an error.
// Every job's Run is wrapped as an Action before it is called.
type Action func(ctx *context.Context) error
