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


package core

import (
	"fmt"
	"net/url"
)

// ValidateDocument validates a Document according to domain rules.
//
// Validation rules:
//   - URL must be a non-empty absolute http(s) URL
//   - Category must be valid
//   - Id, if set, must be a well-formed identifier
//
// NOT validated (populated by processors):
//   - Embeddings (can be empty until the embed worker runs)
//   - LinkIds (hydrated by the repository on load)
func ValidateDocument(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: document is nil", ErrInvalidDocument)
	}

	if err := ValidateURL(doc.URL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	if err := ValidateCategory(doc.Category); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	if doc.Id != "" {
		if _, err := IdTime(doc.Id); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
		}
	}

	return nil
}

// ValidateCategory validates that a Category has a valid value.
func ValidateCategory(category Category) error {
	switch category {
	case CategoryWebpage, CategoryArxiv, CategoryThread:
		return nil
	}
	return fmt.Errorf("%w: value %q", ErrInvalidCategory, category)
}

// ValidateURL checks that a URL is a non-empty absolute http(s) URL.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return ErrEmptyURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return nil
}
