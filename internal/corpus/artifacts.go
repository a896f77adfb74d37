package corpus

import (
	"encoding/json"
)

// ArtifactPointer records the physical locations an attempt's build wrote
// to. A nil pointer means the build never completed.
type ArtifactPointer struct {
	VectorCollections []string `json:"vector_collections,omitempty"`
	GraphNamespace    string   `json:"graph_namespace,omitempty"`
	GraphTag          string   `json:"graph_tag,omitempty"`
	KVPrefix          string   `json:"kv_prefix,omitempty"`
	WorkingDir        string   `json:"working_dir,omitempty"`
}

// artifactWire accepts the current field names and the older ones written
// before the stores were made pluggable.
type artifactWire struct {
	VectorCollections []string `json:"vector_collections"`
	GraphNamespace    string   `json:"graph_namespace"`
	GraphTag          string   `json:"graph_tag"`
	KVPrefix          string   `json:"kv_prefix"`
	WorkingDir        string   `json:"working_dir"`

	ChromaCollections []string `json:"chroma_collections"`
	ChromaCollection  string   `json:"chroma_collection"`
	Neo4jNamespace    string   `json:"neo4j_namespace"`
	RedisPrefix       string   `json:"redis_prefix"`
}

// UnmarshalJSON decodes current and legacy pointer shapes.
func (p *ArtifactPointer) UnmarshalJSON(data []byte) error {
	var w artifactWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*p = ArtifactPointer{
		VectorCollections: w.VectorCollections,
		GraphNamespace:    w.GraphNamespace,
		GraphTag:          w.GraphTag,
		KVPrefix:          w.KVPrefix,
		WorkingDir:        w.WorkingDir,
	}
	if len(p.VectorCollections) == 0 {
		switch {
		case len(w.ChromaCollections) > 0:
			p.VectorCollections = w.ChromaCollections
		case w.ChromaCollection != "":
			p.VectorCollections = []string{w.ChromaCollection}
		}
	}
	if p.GraphNamespace == "" {
		p.GraphNamespace = w.Neo4jNamespace
	}
	if p.KVPrefix == "" {
		p.KVPrefix = w.RedisPrefix
	}
	return nil
}

// Empty reports whether the pointer names no physical location.
func (p *ArtifactPointer) Empty() bool {
	return p == nil || (len(p.VectorCollections) == 0 && p.GraphNamespace == "" && p.GraphTag == "" && p.KVPrefix == "")
}
