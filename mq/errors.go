// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package mq

import "errors"

var (
	// ErrBrokerUnavailable indicates that connecting to the broker failed
	// after exhausting dial retries. Fatal to the affected call, not to
	// the process.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrBrokerClosed indicates the broker has been shut down.
	ErrBrokerClosed = errors.New("broker is closed")

	// ErrPoolClosed indicates the connection pool has been shut down.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrClientClosed indicates an RPC client was closed while calls were
	// pending. Pending callers receive this instead of hanging forever.
	ErrClientClosed = errors.New("rpc client is closed")

	// ErrRemote indicates the RPC server reported a handler failure.
	ErrRemote = errors.New("remote handler error")
)
