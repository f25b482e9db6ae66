/*
 Session Pool, a gateway for allocating isolated compute session pods.
 Copyright (C) 2026 Yannic Rieger <oss@76k.io>

 This program is free software: you can redistribute it and/or modify
 it under the terms of the GNU Affero General Public License as published by
 the Free Software Foundation, either version 3 of the License, or
 (at your option) any later version.

 This program is distributed in the hope that it will be useful,
 but WITHOUT ANY WARRANTY; without even the implied warranty of
 MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 GNU Affero General Public License for more details.

 You should have received a copy of the GNU Affero General Public License
 along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package environment

import (
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"
	apierrs "github.com/spacechunks/sessionpool/gateway/errors"
)

// Descriptor tells the pool how to run one environment. Descriptors are
// loaded once at process start and never mutated, so lookups need no
// locking.
type Descriptor struct {
	ID         string            `yaml:"id"         json:"id"`
	Image      string            `yaml:"image"      json:"image"`
	Command    []string          `yaml:"command"    json:"command,omitempty"`
	Env        map[string]string `yaml:"env"        json:"env,omitempty"`
	PullPolicy string            `yaml:"pullPolicy" json:"pullPolicy"`
}

type Registry struct {
	envs map[string]Descriptor
}

func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	envs := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("environment without id")
		}
		if d.Image == "" {
			return nil, fmt.Errorf("environment %s: image is required", d.ID)
		}
		if _, ok := envs[d.ID]; ok {
			return nil, fmt.Errorf("environment %s: duplicate id", d.ID)
		}
		if d.PullPolicy == "" {
			d.PullPolicy = "IfNotPresent"
		}
		envs[d.ID] = d
	}
	return &Registry{envs: envs}, nil
}

func (r *Registry) Resolve(id string) (Descriptor, error) {
	d, ok := r.envs[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", apierrs.ErrUnknownEnvironment, id)
	}
	return d, nil
}

// Descriptors returns all registered environments sorted by id.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.envs))
	for _, d := range r.envs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

type registryFile struct {
	Environments []Descriptor `yaml:"environments"`
}

// LoadFile reads environment descriptors from a YAML file.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read file: %w", err)
	}

	var content registryFile
	if err := yaml.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("couldn't parse file: %w", err)
	}

	return content.Environments, nil
}
