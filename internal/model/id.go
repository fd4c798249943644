// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// ID prefixes distinguish record families in logs and relation endpoints
const (
	memoryIDPrefix   = "m-"
	relationIDPrefix = "r-"
)

// NewMemoryID returns a fresh URL-safe memory id. ULIDs sort by creation
// time, which also settles score ties deterministically.
func NewMemoryID() string {
	return memoryIDPrefix + strings.ToLower(ulid.Make().String())
}

// NewRelationID returns a fresh URL-safe relation id
func NewRelationID() string {
	return relationIDPrefix + strings.ToLower(ulid.Make().String())
}
