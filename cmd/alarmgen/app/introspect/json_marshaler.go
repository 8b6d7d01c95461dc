// Copyright (c) 2021 The Jaeger Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package introspect

import (
	"encoding/json"
	"fmt"
	"io"
)

const prettyPrintIndent = "    "

// jsonMarshaler renders a response value to a writer. Every handler here
// deals in plain Go structs rather than protobuf messages, so only the
// struct-marshaling half of the source's proto/struct split is needed.
type jsonMarshaler interface {
	marshal(writer io.Writer, response interface{}) error
}

type structJSONMarshaler struct {
	marshaler func(v interface{}) ([]byte, error)
}

func newStructJSONMarshaler(prettyPrint bool) jsonMarshaler {
	marshaler := json.Marshal
	if prettyPrint {
		marshaler = func(v interface{}) ([]byte, error) {
			return json.MarshalIndent(v, "", prettyPrintIndent)
		}
	}
	return &structJSONMarshaler{marshaler: marshaler}
}

func (sm *structJSONMarshaler) marshal(w io.Writer, response interface{}) error {
	resp, err := sm.marshaler(response)
	if err != nil {
		return fmt.Errorf("failed marshalling HTTP response to JSON: %w", err)
	}
	_, err = w.Write(resp)
	return err
}
