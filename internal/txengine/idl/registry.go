package idl

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// AnchorIDL is the subset of an Anchor IDL the decoder needs: instruction
// names for discriminator matching and the program's custom error table.
type AnchorIDL struct {
	Version      string `json:"version"`
	Name         string `json:"name"`
	Instructions []struct {
		Name string `json:"name"`
		Args []struct {
			Name string `json:"name"`
			Type any    `json:"type"`
		} `json:"args"`
	} `json:"instructions"`
	Errors []IDLError `json:"errors"`
}

// IDLError is one entry of a program's custom error table.
type IDLError struct {
	Code int    `json:"code"`
	Name string `json:"name"`
	Msg  string `json:"msg"`
}

// Schema is a compiled IDL: instruction discriminators and error codes
// indexed for lookup.
type Schema struct {
	ProgramID      string
	IDL            *AnchorIDL
	discriminators map[[8]byte]string
	errors         map[int]IDLError
}

// InstructionName resolves instruction data to the Anchor instruction it
// invokes, by its leading 8-byte discriminator.
func (s *Schema) InstructionName(data []byte) (string, bool) {
	if s == nil || len(data) < 8 {
		return "", false
	}
	var disc [8]byte
	copy(disc[:], data[:8])
	name, ok := s.discriminators[disc]
	return name, ok
}

// ErrorByCode resolves a custom program error code against the IDL's error
// table.
func (s *Schema) ErrorByCode(code int) (IDLError, bool) {
	if s == nil {
		return IDLError{}, false
	}
	e, ok := s.errors[code]
	return e, ok
}

// Discriminator computes the Anchor instruction discriminator, the first 8
// bytes of sha256("global:<name>").
func Discriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + name))
	var disc [8]byte
	copy(disc[:], hash[:8])
	return disc
}

// Registry caches compiled IDL schemas per program. Schemas registered
// locally take precedence; unknown programs are fetched from an IDL
// repository at most once per program across concurrent callers.
type Registry struct {
	repositoryURL string // e.g. https://api.apr.dev/api/idl
	http          *http.Client
	cache         sync.Map // programID string -> *Schema
	group         singleflight.Group
	logger        *zap.Logger
}

func NewRegistry(repositoryURL string, logger *zap.Logger) *Registry {
	return &Registry{
		repositoryURL: repositoryURL,
		http:          &http.Client{Timeout: 15 * time.Second},
		logger:        logger.Named("idl-registry"),
	}
}

// Register compiles and caches an IDL for a program, bypassing the
// repository. Used for programs whose IDL ships with the binary.
func (r *Registry) Register(programID string, idl *AnchorIDL) *Schema {
	schema := compile(programID, idl)
	r.cache.Store(programID, schema)
	return schema
}

// Lookup returns the compiled schema for a program, fetching from the IDL
// repository on first use. Returns nil with no error when the program has no
// published IDL; the caller treats its instructions as opaque.
func (r *Registry) Lookup(ctx context.Context, programID string) (*Schema, error) {
	if cached, ok := r.cache.Load(programID); ok {
		schema, _ := cached.(*Schema)
		return schema, nil
	}
	if r.repositoryURL == "" {
		return nil, nil
	}

	result, err, _ := r.group.Do(programID, func() (interface{}, error) {
		idl, err := r.fetch(ctx, programID)
		if err != nil {
			return nil, err
		}
		var schema *Schema
		if idl != nil {
			schema = compile(programID, idl)
		}
		// A miss is cached too, so unknown programs cost one fetch total.
		r.cache.Store(programID, schema)
		return schema, nil
	})
	if err != nil {
		return nil, err
	}
	schema, _ := result.(*Schema)
	return schema, nil
}

func (r *Registry) fetch(ctx context.Context, programID string) (*AnchorIDL, error) {
	url := fmt.Sprintf("%s/%s", r.repositoryURL, programID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		r.logger.Debug("no published IDL", zap.String("program", programID))
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("IDL repository HTTP %d for %s", resp.StatusCode, programID)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var idl AnchorIDL
	if err := json.Unmarshal(body, &idl); err != nil {
		return nil, fmt.Errorf("decode IDL for %s: %w", programID, err)
	}

	r.logger.Debug("fetched IDL",
		zap.String("program", programID),
		zap.String("name", idl.Name),
		zap.Int("instructions", len(idl.Instructions)),
		zap.Int("errors", len(idl.Errors)))
	return &idl, nil
}

func compile(programID string, idl *AnchorIDL) *Schema {
	schema := &Schema{
		ProgramID:      programID,
		IDL:            idl,
		discriminators: make(map[[8]byte]string, len(idl.Instructions)),
		errors:         make(map[int]IDLError, len(idl.Errors)),
	}
	for _, instruction := range idl.Instructions {
		schema.discriminators[Discriminator(instruction.Name)] = instruction.Name
	}
	for _, idlErr := range idl.Errors {
		schema.errors[idlErr.Code] = idlErr
	}
	return schema
}
