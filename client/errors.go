// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"github.com/pkg/errors"
)

var (
	// ErrStartTsMismatch is returned when a response carries a start ts different from the one the transaction
	// already holds. It means the Txn is being reused across logical transactions.
	ErrStartTsMismatch = errors.New("[dgraph] start ts mismatch")
	// ErrNotSchemaQuery is returned by SchemaQuery for a query that does not start with the schema keyword.
	ErrNotSchemaQuery = errors.New("[dgraph] not a schema query")
	// ErrNoTxn is returned by Mutation.Submit when the mutation was not created from a Txn.
	ErrNoTxn = errors.New("[dgraph] mutation is not bound to a transaction")
	// ErrAborted is returned by Commit when the server aborted the transaction because of a conflict.
	ErrAborted = errors.New("[dgraph] transaction has been aborted, please retry")
	// ErrClientClosed is the panic value of any call on a closed Client.
	ErrClientClosed = errors.New("[dgraph] client is closed")
	// ErrNoConnection is returned when the client has no connection to send a request on.
	ErrNoConnection = errors.New("[dgraph] no connection")
	// ErrNoIDAllocator is returned by GetOrCreateNode when the client was built without an IDAllocator.
	ErrNoIDAllocator = errors.New("[dgraph] no uid allocator configured")
)

// TxnFinishedError is returned by any operation but Discard on a transaction that has left the OK state.
type TxnFinishedError struct {
	State TxnState
}

func (e *TxnFinishedError) Error() string {
	return "[dgraph] transaction has already finished, state " + e.State.String()
}

// IsTxnFinished reports whether err, or its cause, is a *TxnFinishedError.
func IsTxnFinished(err error) bool {
	_, ok := errors.Cause(err).(*TxnFinishedError)
	return ok
}
