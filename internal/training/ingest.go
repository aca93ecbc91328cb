// Package training turns caretaker-provided training material into memory
// chunks stored against a replica.
package training

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/mhalden/replica-service/internal/chunker"
	"github.com/mhalden/replica-service/internal/model"
	"github.com/mhalden/replica-service/internal/rag"
)

// defaultImportance applies to training chunks; conversation memories score
// themselves through the tool loop instead.
const defaultImportance = 0.6

// MemoryStorer is the slice of the RAG client the ingestor needs.
type MemoryStorer interface {
	StoreMemory(ctx context.Context, userID, replicaID, content string, importance float64, source rag.MemorySource, sessionID string) rag.StoreResult
}

// ChunkFailure reports one chunk that could not be stored.
type ChunkFailure struct {
	Ordinal int    `json:"ordinal"`
	Error   string `json:"error"`
}

// Result is the outcome of one ingestion run. Ingestion is best-effort
// enrichment: failed chunks are reported, the rest are kept.
type Result struct {
	ChunkRefs []model.ChunkRef `json:"chunkRefs"`
	Failures  []ChunkFailure   `json:"failures,omitempty"`
}

// Stored reports how many chunks were stored successfully.
func (r Result) Stored() int { return len(r.ChunkRefs) }

// Ingestor chunks training text and stores each chunk in the remote memory
// store, recording a ChunkRef per stored chunk.
type Ingestor struct {
	storer MemoryStorer
}

// NewIngestor creates an Ingestor backed by the given memory storer.
func NewIngestor(storer MemoryStorer) *Ingestor {
	return &Ingestor{storer: storer}
}

// Ingest chunks text and stores every chunk scoped to the namespace and
// replica. A failing chunk does not stop the run.
func (i *Ingestor) Ingest(ctx context.Context, namespace, replicaID, text string) Result {
	var result Result
	for _, chunk := range chunker.ChunkWithOrdinals(text) {
		stored := i.storer.StoreMemory(ctx, namespace, replicaID, chunk.Content, defaultImportance, rag.SourceFile, "")
		if !stored.Success {
			log.Warn("Training chunk rejected",
				"namespace", namespace,
				"replicaID", replicaID,
				"ordinal", chunk.Ordinal,
				"err", stored.Error,
			)
			result.Failures = append(result.Failures, ChunkFailure{Ordinal: chunk.Ordinal, Error: stored.Error})
			continue
		}
		result.ChunkRefs = append(result.ChunkRefs, model.ChunkRef{
			ChunkID:   stored.ChunkID,
			ReplicaID: replicaID,
			Ordinal:   chunk.Ordinal,
		})
	}
	if len(result.Failures) > 0 {
		log.Warn("Training ingestion completed with failures",
			"namespace", namespace,
			"replicaID", replicaID,
			"stored", result.Stored(),
			"failed", len(result.Failures),
		)
	}
	return result
}
