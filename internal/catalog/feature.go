package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/danmuck/kernelctl/internal/protocol"
	"github.com/danmuck/kernelctl/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

const (
	ProvidedFile = "provided.json"
	ExpectedFile = "expected.schema.json"
)

// Feature is one request fixture and the schema its reply must satisfy.
// Err is set when the fixture could not be loaded; such a feature is still
// part of the matrix so the failure shows up per kernel.
type Feature struct {
	Name    string
	Dir     string
	Request protocol.Request
	Schema  *schema.Schema
	Err     error
}

// provided is the on-disk request fixture.
type provided struct {
	Header struct {
		MsgType string `json:"msg_type"`
	} `json:"header"`
	Content json.RawMessage `json:"content"`
}

// LoadFeatures reads <root>/<group>/<feature>/ fixtures. Feature names are
// "<group>/<feature>" and sorted.
func LoadFeatures(root string) ([]Feature, error) {
	groups, err := subdirs(root)
	if err != nil {
		return nil, err
	}
	var out []Feature
	for _, group := range groups {
		names, err := subdirs(filepath.Join(root, group))
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			dir := filepath.Join(root, group, name)
			f := loadFeature(path.Join(group, name), dir)
			if f.Err != nil {
				log.Warn().Err(f.Err).Str("feature", f.Name).Msg("catalog feature unusable")
			}
			out = append(out, f)
		}
	}
	return out, nil
}

func loadFeature(name, dir string) Feature {
	f := Feature{Name: name, Dir: dir}
	req, err := readRequest(filepath.Join(dir, ProvidedFile))
	if err != nil {
		f.Err = err
		return f
	}
	f.Request = req
	s, err := readSchema(filepath.Join(dir, ExpectedFile))
	if err != nil {
		f.Err = err
		return f
	}
	f.Schema = s
	return f
}

func readRequest(file string) (protocol.Request, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return protocol.Request{}, fmt.Errorf("%w: %v", ErrFixture, err)
	}
	var p provided
	if err := json.Unmarshal(data, &p); err != nil {
		return protocol.Request{}, fmt.Errorf("%w: %s: %v", ErrFixture, file, err)
	}
	if p.Header.MsgType == "" {
		return protocol.Request{}, fmt.Errorf("%w: %s: missing header.msg_type", ErrFixture, file)
	}
	content := bytes.TrimSpace(p.Content)
	switch {
	case len(content) == 0 || string(content) == "null":
		content = []byte(`{}`)
	case content[0] != '{':
		return protocol.Request{}, fmt.Errorf("%w: %s: content is not an object", ErrFixture, file)
	}
	return protocol.Request{MsgType: p.Header.MsgType, Content: json.RawMessage(content)}, nil
}

func readSchema(file string) (*schema.Schema, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFixture, err)
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFixture, file, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	s, err := schema.Compile(u.String(), data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFixture, err)
	}
	return s, nil
}
