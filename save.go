/*
Copyright © 2026 the PopRF authors.
This file is part of PopRF.

PopRF is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

PopRF is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with PopRF.  If not, see <http://www.gnu.org/licenses/>.
*/

package poprf

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
)

// Save writes the model artifact to w as a gob stream
// (format description at https://golang.org/pkg/encoding/gob/).
func (m *Model) Save(w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(m); err != nil {
		return fmt.Errorf("poprf: encoding model: %v", err)
	}
	return nil
}

// Load reads a model artifact previously written by Save.
func Load(r io.Reader) (*Model, error) {
	m := new(Model)
	if err := gob.NewDecoder(r).Decode(m); err != nil {
		return nil, fmt.Errorf("poprf: decoding model: %v", err)
	}
	if m.Version != ModelVersion {
		return nil, fmt.Errorf("poprf: model version %q, want %q", m.Version, ModelVersion)
	}
	return m, nil
}

// SaveModel writes the model to path, committing through a temporary
// file so a failure partway through cannot leave a truncated artifact.
func SaveModel(m *Model, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("poprf: creating model file: %v", err)
	}
	if err := m.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("poprf: closing model file: %v", err)
	}
	return os.Rename(tmp, path)
}

// LoadModel reads a model from path.
func LoadModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("poprf: opening model file: %v", err)
	}
	defer f.Close()
	return Load(f)
}
