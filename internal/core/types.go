package core

import "docbase/pkg/session"

type (
	Session        = session.Session
	Options        = session.Options
	Document       = session.Document
	DocumentStore  = session.DocumentStore
	Command        = session.Command
	CommandResult  = session.CommandResult
	SaveBatch      = session.SaveBatch
	TypeRegistry   = session.TypeRegistry
	KeyGenerator   = session.KeyGenerator
	NotFoundError  = session.NotFoundError
	ConcurrencyErr = session.ConcurrencyError
)

const (
	MethodPut    = session.MethodPut
	MethodDelete = session.MethodDelete
)
