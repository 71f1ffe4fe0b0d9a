/*
Copyright 2025 Tradepost Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ActorSystem identifies transitions performed by the engine itself
// (timeout sweeper, expiry workers) rather than a principal.
const ActorSystem = "system"

// GenerateUUIDWithPrefix generates a UUID with a short module prefix,
// e.g. "wlt_8f14e45f-...". The prefix makes identifiers self-describing
// in logs and audit trails.
func GenerateUUIDWithPrefix(module string) string {
	id := uuid.New()
	return fmt.Sprintf("%s_%s", module, id.String())
}
