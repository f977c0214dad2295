package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const resultContentType = "application/json"

// persist writes the result JSON under prefix/jobID/sha256.json and returns
// the store's reference.
func (p *Pool) persist(ctx context.Context, job scrape.ScrapeJob, res scrape.Result) (string, error) {
	res.JobID = job.ID
	if res.URL == "" {
		res.URL = job.URL
	}
	if res.Items == nil {
		res.Items = []map[string]string{}
	}
	data, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	digest, err := p.deps.Hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash result: %w", err)
	}
	ref, err := p.deps.Results.PutObject(ctx, resultPath(p.cfg.ResultPrefix, res.JobID, digest), resultContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put result: %w", err)
	}
	return ref, nil
}

func resultPath(prefix, jobID, digest string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.json", jobID, digest)
	}
	return fmt.Sprintf("%s/%s/%s.json", prefix, jobID, digest)
}
