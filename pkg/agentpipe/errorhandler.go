package agentpipe

import "github.com/codegrok/codegrok/pkg/apperr"

// handleError is the pipeline's dedicated terminal error node, per
// spec.md §4.6's "A dedicated terminal node categorises caught errors
// into {user_input, retrieval, rate_limit, llm_service, timeout,
// network, authentication, resource, unknown}" requirement. Kind
// classification and message sanitisation are already centralized in
// pkg/apperr (grounded on kraklabs-cie/internal/errors/errors.go's
// UserError shape); this just assembles ErrorMetadata from it, mirroring
// original_source's error_handler_node.
func handleError(state *AgentState, err error) {
	kind := apperr.KindOf(err)
	meta := &ErrorMetadata{
		Kind:               kind,
		Message:            apperr.Sanitize(err.Error()),
		RecoverySuggestion: apperr.RecoverySuggestion(err),
	}
	state.mu.Lock()
	state.ErrorMetadata = meta
	state.mu.Unlock()
	state.Fail(err)
}
