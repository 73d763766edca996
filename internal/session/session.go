package session

import (
	"encoding/json"

	"casparian/internal/core"
	"casparian/internal/ident"
	"casparian/internal/logging"
	"casparian/internal/store"
)

// ProposalKind enumerates the typed proposals a session can carry.
type ProposalKind string

const (
	ProposalSelection  ProposalKind = "selection"
	ProposalTags       ProposalKind = "tags"
	ProposalPathFields ProposalKind = "path_fields"
	ProposalSchema     ProposalKind = "schema"
	ProposalPlan       ProposalKind = "plan"
	ProposalRun        ProposalKind = "run"
)

// proposalTargets maps each kind to the state the session enters when the
// proposal is recorded.
var proposalTargets = map[ProposalKind]State{
	ProposalSelection:  StateSelectionProposed,
	ProposalTags:       StateTagsProposed,
	ProposalPathFields: StatePathFieldsProposed,
	ProposalSchema:     StateSchemaInferred,
	ProposalPlan:       StatePlanPublished,
}

// Session is a deserialized intent session.
type Session struct {
	ID          string
	WorkspaceID string
	State       State
	FileSetIDs  []string
}

// Proposal is a typed artifact awaiting approval. Its ID is the content
// hash of the canonical-JSON payload, so approving "this proposal" is
// approving exactly these bytes.
type Proposal struct {
	ID              string
	SessionID       string
	Kind            ProposalKind
	Payload         json.RawMessage
	ConfidenceScore float64
	ConfidenceLabel ConfidenceLabel
	Questions       []string
}

// Manager drives intent sessions over the control-plane store.
type Manager struct {
	store *store.Store
}

// NewManager creates a session manager.
func NewManager(st *store.Store) *Manager {
	return &Manager{store: st}
}

// Create starts a session in the created state.
func (m *Manager) Create(workspaceID string) (*Session, error) {
	sess := &Session{ID: ident.NewID(), WorkspaceID: workspaceID, State: StateCreated}
	err := m.store.InsertSession(&store.SessionRow{
		ID:          sess.ID,
		WorkspaceID: workspaceID,
		State:       sess.State.String(),
	})
	if err != nil {
		return nil, err
	}
	logging.Session("Created intent session %s", sess.ID)
	return sess, nil
}

// Get loads a session.
func (m *Manager) Get(id string) (*Session, error) {
	row, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	state, err := ParseState(row.State)
	if err != nil {
		return nil, err
	}
	sess := &Session{ID: row.ID, WorkspaceID: row.WorkspaceID, State: state}
	if row.FileSetIDsJSON != "" {
		if err := json.Unmarshal([]byte(row.FileSetIDsJSON), &sess.FileSetIDs); err != nil {
			return nil, core.Wrap(core.KindSerialization, err, "unmarshal session file set")
		}
	}
	return sess, nil
}

// Propose records a typed proposal, moves the session into the matching
// proposed state and mints a single-use approval token bound to the
// proposal's content hash. Both the proposal and the token are returned.
func (m *Manager) Propose(sessionID string, kind ProposalKind, payload interface{}, ev Evidence, questions []string) (*Proposal, string, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, "", err
	}
	// A run proposal is recorded while the plan is approved and does not
	// move the session; its approval is what finishes it (G6).
	target, moves := proposalTargets[kind]
	if !moves {
		if kind != ProposalRun {
			return nil, "", core.E(core.KindUnsupported, "proposal kind %q cannot be proposed directly", kind)
		}
		if sess.State != StatePlanApproved {
			return nil, "", invalidTransition(sess.State, StateDone)
		}
		target = sess.State
	} else if !CanTransition(sess.State, target) {
		return nil, "", invalidTransition(sess.State, target)
	}

	payloadJSON, err := ident.CanonicalJSON(payload)
	if err != nil {
		return nil, "", err
	}
	p := &Proposal{
		ID:              ident.SHA256Hex(payloadJSON),
		SessionID:       sessionID,
		Kind:            kind,
		Payload:         payloadJSON,
		ConfidenceScore: ev.Score(),
		ConfidenceLabel: ev.Label(),
		Questions:       questions,
	}
	var questionsJSON string
	if len(questions) > 0 {
		b, err := json.Marshal(questions)
		if err != nil {
			return nil, "", core.Wrap(core.KindSerialization, err, "marshal proposal questions")
		}
		questionsJSON = string(b)
	}
	err = m.store.InsertProposal(&store.ProposalRow{
		ID:                 p.ID,
		SessionID:          sessionID,
		Kind:               string(kind),
		PayloadJSON:        string(payloadJSON),
		ConfidenceScore:    p.ConfidenceScore,
		ConfidenceLabel:    string(p.ConfidenceLabel),
		HumanQuestionsJSON: questionsJSON,
	})
	if err != nil {
		return nil, "", err
	}

	token := ident.NewID()
	if err := m.store.IssueToken(token, p.ID); err != nil {
		return nil, "", err
	}
	if err := m.store.UpdateSessionState(sessionID, target.String(), ""); err != nil {
		return nil, "", err
	}
	logging.Session("Session %s: proposed %s %s (confidence %s)",
		sessionID, kind, p.ID[:12], p.ConfidenceLabel)
	return p, token, nil
}

// Approve passes a gate: the token is consumed against the proposal hash
// and the session advances along the gate's edge. A reused token, an
// unknown token or a token bound to different proposal bytes all fail with
// ApprovalMismatch and leave the session state untouched.
func (m *Manager) Approve(sessionID string, gate Gate, token, proposalID string) (*Session, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	edge, ok := gateEdges[gate]
	if !ok {
		return nil, core.E(core.KindUnsupported, "unknown gate %s", gate)
	}
	if sess.State != edge[0] {
		return nil, invalidTransition(sess.State, edge[1])
	}
	if err := m.store.ConsumeToken(token, proposalID); err != nil {
		return nil, err
	}
	if err := m.store.UpdateSessionState(sessionID, edge[1].String(), ""); err != nil {
		return nil, err
	}
	sess.State = edge[1]
	logging.Session("Session %s: %s passed, now %s", sessionID, gate, sess.State)
	return sess, nil
}

// Advance performs a non-gate transition, such as recording a completed
// backtest or binding the selected file set.
func (m *Manager) Advance(sessionID string, to State, fileSetIDs []string) (*Session, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(sess.State, to) {
		return nil, invalidTransition(sess.State, to)
	}
	var fileSetJSON string
	if fileSetIDs != nil {
		b, err := json.Marshal(fileSetIDs)
		if err != nil {
			return nil, core.Wrap(core.KindSerialization, err, "marshal file set")
		}
		fileSetJSON = string(b)
	}
	if err := m.store.UpdateSessionState(sessionID, to.String(), fileSetJSON); err != nil {
		return nil, err
	}
	sess.State = to
	if fileSetIDs != nil {
		sess.FileSetIDs = fileSetIDs
	}
	return sess, nil
}

// Proposal loads a proposal by content hash.
func (m *Manager) Proposal(id string) (*Proposal, error) {
	row, err := m.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	p := &Proposal{
		ID:              row.ID,
		SessionID:       row.SessionID,
		Kind:            ProposalKind(row.Kind),
		Payload:         json.RawMessage(row.PayloadJSON),
		ConfidenceScore: row.ConfidenceScore,
		ConfidenceLabel: ConfidenceLabel(row.ConfidenceLabel),
	}
	if row.HumanQuestionsJSON != "" {
		if err := json.Unmarshal([]byte(row.HumanQuestionsJSON), &p.Questions); err != nil {
			return nil, core.Wrap(core.KindSerialization, err, "unmarshal proposal questions")
		}
	}
	return p, nil
}
