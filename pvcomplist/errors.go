// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pvcomplist

import "github.com/pkg/errors"

func errNotPageMultiple(size uint64) error {
	return errors.Errorf("prepared component size %d is not a positive multiple of the page size", size)
}

func errPageCountMismatch(want, got uint64) error {
	return errors.Errorf("page/address/tweak digest counts disagree: want %d pages, walked %d", want, got)
}
