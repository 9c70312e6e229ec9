// Command completion-stub is a local stand-in for the text-generation
// service. It answers every prompt with canned text sized by mode.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/HanTheDev/legal-research-gateway/internal/logging"
	"github.com/HanTheDev/legal-research-gateway/internal/models"
)

const thoroughTemplate = `## Legal Authority

- Smith v. Jones, 123 F.3d 456 (9th Cir. 1999) held that the clause was enforceable.
- Brown v. Board, 347 U.S. 483 (1954) is distinguishable on its facts.
- Doe v. Roe, 410 U.S. 113 (1973) applies the same standard.
- 28 U.S.C. § 1332 governs jurisdiction.

## Application

Applied here, the facts of %q track the reasoning in Smith v. Jones.

## Strategic Assessment

The main risk is an adverse ruling on the limitations defense. We recommend filing a motion before the deadline.`

func main() {
	logger, err := logging.New("info", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string      `json:"prompt"`
			Mode   models.Mode `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}

		text := fmt.Sprintf("In short: %s. You should confirm the controlling jurisdiction before relying on this.", strings.TrimSuffix(req.Prompt, "?"))
		if req.Mode == models.ModeThorough {
			text = fmt.Sprintf(thoroughTemplate, req.Prompt)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"text":        text,
			"tokens_used": len(strings.Fields(req.Prompt))*4 + len(strings.Fields(text))*4/3,
		})
		logger.Info("completion served", zap.String("mode", string(req.Mode)), zap.Int("prompt_chars", len(req.Prompt)))
	})

	port := os.Getenv("STUB_PORT")
	if port == "" {
		port = "9000"
	}
	logger.Info("completion stub starting", zap.String("port", port))
	if err := http.ListenAndServe(":"+port, nil); err != nil {
		logger.Fatal("stub failed", zap.Error(err))
	}
}
