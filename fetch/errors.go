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


package fetch

import "errors"

var (
	// ErrNoFetcher indicates no registered fetcher accepts the URL.
	ErrNoFetcher = errors.New("no fetcher accepts url")

	// ErrFetchFailed indicates a source-specific fetch error. Callers
	// treat it as "this URL contributes nothing", never as fatal.
	ErrFetchFailed = errors.New("fetch failed")
)
