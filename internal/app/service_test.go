package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"tagdoc/api/internal/config"
	"tagdoc/api/internal/staterepo"
	"tagdoc/api/internal/store"
	"tagdoc/api/internal/tags"
)

type fakeStore struct {
	createUserFn          func(context.Context, string, string, string) (store.User, error)
	getUserByEmailFn      func(context.Context, string) (store.User, error)
	getUserByIDFn         func(context.Context, string) (store.User, error)
	saveRefreshSessionFn  func(context.Context, string, string, time.Time) error
	lookupRefreshFn       func(context.Context, string) (store.User, error)
	createStateFn         func(context.Context, string, *tags.Document) (store.StateInfo, error)
	getStateByNameFn      func(context.Context, string) (store.StateInfo, *tags.Document, error)
	saveStateDocumentFn   func(context.Context, string, *tags.Document) error
	renameStateFn         func(context.Context, string, string) error
	deleteStateFn         func(context.Context, string) error
	listStatesFn          func(context.Context) ([]store.StateInfo, error)
	countStatesFn         func(context.Context) (int, error)
	getViewStateFn        func(context.Context, string, string) (store.ViewState, error)
	saveViewStateFn       func(context.Context, store.ViewState) error
	insertTagAuditFn      func(context.Context, store.TagAuditEntry) error
	listTagAuditFn        func(context.Context, string, int) ([]store.TagAuditEntry, error)
}

func (f *fakeStore) CreateUser(ctx context.Context, displayName, email, passwordHash string) (store.User, error) {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, displayName, email, passwordHash)
	}
	return store.User{ID: "user-1", DisplayName: displayName, Email: email, PasswordHash: passwordHash}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, errors.New("not found")
}
func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id, DisplayName: "Avery"}, nil
}
func (f *fakeStore) SaveRefreshSession(ctx context.Context, hash, userID string, expires time.Time) error {
	if f.saveRefreshSessionFn != nil {
		return f.saveRefreshSessionFn(ctx, hash, userID, expires)
	}
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, hash string) (store.User, error) {
	if f.lookupRefreshFn != nil {
		return f.lookupRefreshFn(ctx, hash)
	}
	return store.User{}, errors.New("not found")
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }
func (f *fakeStore) CreateState(ctx context.Context, name string, doc *tags.Document) (store.StateInfo, error) {
	if f.createStateFn != nil {
		return f.createStateFn(ctx, name, doc)
	}
	return store.StateInfo{ID: "state-1", Name: name}, nil
}
func (f *fakeStore) GetStateByName(ctx context.Context, name string) (store.StateInfo, *tags.Document, error) {
	if f.getStateByNameFn != nil {
		return f.getStateByNameFn(ctx, name)
	}
	return store.StateInfo{}, nil, errors.New("not found")
}
func (f *fakeStore) SaveStateDocument(ctx context.Context, stateID string, doc *tags.Document) error {
	if f.saveStateDocumentFn != nil {
		return f.saveStateDocumentFn(ctx, stateID, doc)
	}
	return nil
}
func (f *fakeStore) RenameState(ctx context.Context, stateID, name string) error {
	if f.renameStateFn != nil {
		return f.renameStateFn(ctx, stateID, name)
	}
	return nil
}
func (f *fakeStore) DeleteState(ctx context.Context, stateID string) error {
	if f.deleteStateFn != nil {
		return f.deleteStateFn(ctx, stateID)
	}
	return nil
}
func (f *fakeStore) ListStates(ctx context.Context) ([]store.StateInfo, error) {
	if f.listStatesFn != nil {
		return f.listStatesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) CountStates(ctx context.Context) (int, error) {
	if f.countStatesFn != nil {
		return f.countStatesFn(ctx)
	}
	return 2, nil
}
func (f *fakeStore) GetViewState(ctx context.Context, userID, stateID string) (store.ViewState, error) {
	if f.getViewStateFn != nil {
		return f.getViewStateFn(ctx, userID, stateID)
	}
	return store.ViewState{UserID: userID, StateID: stateID, Completed: []string{}, Collapsed: []string{}}, nil
}
func (f *fakeStore) SaveViewState(ctx context.Context, vs store.ViewState) error {
	if f.saveViewStateFn != nil {
		return f.saveViewStateFn(ctx, vs)
	}
	return nil
}
func (f *fakeStore) InsertTagAudit(ctx context.Context, entry store.TagAuditEntry) error {
	if f.insertTagAuditFn != nil {
		return f.insertTagAuditFn(ctx, entry)
	}
	return nil
}
func (f *fakeStore) ListTagAudit(ctx context.Context, stateID string, limit int) ([]store.TagAuditEntry, error) {
	if f.listTagAuditFn != nil {
		return f.listTagAuditFn(ctx, stateID, limit)
	}
	return nil, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeRepo struct {
	ensureFn  func(string, *tags.Document, string) error
	commitFn  func(string, *tags.Document, string, string) (staterepo.CommitInfo, error)
	historyFn func(string, int) ([]staterepo.CommitInfo, error)
	stateAtFn func(string, string) (*tags.Document, error)
}

func (f *fakeRepo) EnsureStateRepo(stateID string, doc *tags.Document, author string) error {
	if f.ensureFn != nil {
		return f.ensureFn(stateID, doc, author)
	}
	return nil
}
func (f *fakeRepo) CommitState(stateID string, doc *tags.Document, author, message string) (staterepo.CommitInfo, error) {
	if f.commitFn != nil {
		return f.commitFn(stateID, doc, author, message)
	}
	return staterepo.CommitInfo{}, nil
}
func (f *fakeRepo) History(stateID string, limit int) ([]staterepo.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(stateID, limit)
	}
	return nil, nil
}
func (f *fakeRepo) StateAt(stateID, hash string) (*tags.Document, error) {
	if f.stateAtFn != nil {
		return f.stateAtFn(stateID, hash)
	}
	return nil, errors.New("not found")
}

func newTestService(fake *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:      fake,
		stateLocks: make(map[string]*sync.Mutex),
	}
}

// seedStateStore wires a fakeStore around one in-memory state so mutations
// read back what they wrote.
func seedStateStore(fake *fakeStore, name string, doc *tags.Document) *struct {
	mu     sync.Mutex
	doc    *tags.Document
	saves  int
	audits []store.TagAuditEntry
} {
	holder := &struct {
		mu     sync.Mutex
		doc    *tags.Document
		saves  int
		audits []store.TagAuditEntry
	}{doc: doc}

	fake.getStateByNameFn = func(_ context.Context, requested string) (store.StateInfo, *tags.Document, error) {
		if requested != name {
			return store.StateInfo{}, nil, errors.New("not found")
		}
		holder.mu.Lock()
		defer holder.mu.Unlock()
		return store.StateInfo{ID: "state-1", Name: name}, holder.doc.Clone(), nil
	}
	fake.saveStateDocumentFn = func(_ context.Context, _ string, saved *tags.Document) error {
		holder.mu.Lock()
		defer holder.mu.Unlock()
		holder.doc = saved.Clone()
		holder.saves++
		return nil
	}
	fake.insertTagAuditFn = func(_ context.Context, entry store.TagAuditEntry) error {
		holder.mu.Lock()
		defer holder.mu.Unlock()
		holder.audits = append(holder.audits, entry)
		return nil
	}
	return holder
}

func seededDocument() *tags.Document {
	doc := tags.NewDocument("Notes")
	doc.Sections = []tags.Section{
		{
			ID:    "sec-1",
			Title: "Backend",
			Tags:  []string{"Python"},
			Notes: []tags.Note{
				{ID: "note-1", Title: "Schema", BodyHTML: "<p>draft</p>", Tags: []string{"Python"}},
			},
		},
	}
	doc.KnownTags = append(doc.KnownTags, "Python", "Database")
	for i := range doc.Categories {
		if doc.Categories[i].Name == tags.UncategorizedName {
			doc.Categories[i].Tags = append(doc.Categories[i].Tags, "Python", "Database")
		}
	}
	return doc
}

func TestCreateStateBootstrapsDocument(t *testing.T) {
	fake := &fakeStore{}
	var created *tags.Document
	fake.createStateFn = func(_ context.Context, name string, doc *tags.Document) (store.StateInfo, error) {
		created = doc
		return store.StateInfo{ID: "state-1", Name: name}, nil
	}
	svc := newTestService(fake)

	payload, err := svc.CreateState(context.Background(), "My Project!", "avery")
	if err != nil {
		t.Fatalf("CreateState failed: %v", err)
	}
	if payload["success"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}
	state := payload["state"].(map[string]any)
	if state["name"] != "my-project" {
		t.Fatalf("name not slugified: %v", state["name"])
	}
	if created == nil {
		t.Fatal("document never persisted")
	}
	if len(created.KnownTags) != 1 || created.KnownTags[0] != tags.ReservedAll {
		t.Fatalf("new state should carry only the reserved tag, got %v", created.KnownTags)
	}
	if len(created.Categories) != 1 || created.Categories[0].Name != tags.UncategorizedName {
		t.Fatalf("new state should bootstrap Uncategorized, got %+v", created.Categories)
	}
}

func TestCreateStateDuplicateName(t *testing.T) {
	fake := &fakeStore{}
	fake.getStateByNameFn = func(context.Context, string) (store.StateInfo, *tags.Document, error) {
		return store.StateInfo{ID: "state-1", Name: "notes"}, tags.NewDocument("notes"), nil
	}
	svc := newTestService(fake)

	_, err := svc.CreateState(context.Background(), "Notes", "avery")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "STATE_EXISTS" {
		t.Fatalf("expected STATE_EXISTS, got %v", err)
	}
}

func TestDeleteLastStateRefused(t *testing.T) {
	fake := &fakeStore{}
	seedStateStore(fake, "notes", tags.NewDocument("Notes"))
	fake.countStatesFn = func(context.Context) (int, error) { return 1, nil }
	svc := newTestService(fake)

	_, err := svc.DeleteState(context.Background(), "notes", "avery")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "LAST_STATE" {
		t.Fatalf("expected LAST_STATE, got %v", err)
	}
}

func TestCreateTagCanonicalizesAndReturnsUniverse(t *testing.T) {
	fake := &fakeStore{}
	holder := seedStateStore(fake, "notes", seededDocument())
	svc := newTestService(fake)

	payload, err := svc.CreateTag(context.Background(), "notes", " SQL & Python ", "", "avery")
	if err != nil {
		t.Fatalf("CreateTag failed: %v", err)
	}
	if payload["success"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}
	if payload["tag"] != "Python&SQL" {
		t.Fatalf("tag not canonicalized: %v", payload["tag"])
	}
	pool := payload["allTags"].([]string)
	found := false
	for _, tag := range pool {
		if tag == "Python&SQL" {
			found = true
		}
	}
	if !found {
		t.Fatalf("allTags missing new tag: %v", pool)
	}
	if holder.saves != 1 {
		t.Fatalf("expected one save, got %d", holder.saves)
	}
}

func TestCreateTagDuplicateReturnsFailureEnvelope(t *testing.T) {
	fake := &fakeStore{}
	holder := seedStateStore(fake, "notes", seededDocument())
	svc := newTestService(fake)

	payload, err := svc.CreateTag(context.Background(), "notes", "python", "", "avery")
	if err != nil {
		t.Fatalf("duplicate should not surface as transport error: %v", err)
	}
	if payload["success"] != false {
		t.Fatalf("expected success false, got %v", payload)
	}
	if payload["message"] == "" {
		t.Fatal("expected a message")
	}
	if holder.saves != 0 {
		t.Fatalf("rejected create must not persist, saves=%d", holder.saves)
	}
}

func TestDeleteTagWritesAudit(t *testing.T) {
	fake := &fakeStore{}
	holder := seedStateStore(fake, "notes", seededDocument())
	svc := newTestService(fake)

	payload, err := svc.DeleteTag(context.Background(), "notes", "Python", "avery")
	if err != nil {
		t.Fatalf("DeleteTag failed: %v", err)
	}
	if payload["success"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}
	if len(holder.audits) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(holder.audits))
	}
	entry := holder.audits[0]
	if entry.Action != "delete" || entry.Tag != "Python" || entry.Actor != "avery" {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	for _, section := range holder.doc.Sections {
		for _, tag := range section.Tags {
			if strings.EqualFold(tag, "Python") {
				t.Fatal("deleted tag still on section")
			}
		}
	}
}

func TestMoveTagOntoTagComposes(t *testing.T) {
	fake := &fakeStore{}
	holder := seedStateStore(fake, "notes", seededDocument())
	svc := newTestService(fake)

	payload, err := svc.MoveTag(context.Background(), "notes", "Python", "", "", "Database", "avery")
	if err != nil {
		t.Fatalf("MoveTag failed: %v", err)
	}
	if payload["tag"] != "Database&Python" {
		t.Fatalf("expected composed tag, got %v", payload["tag"])
	}
	model := tags.NewModel(holder.doc.Clone())
	if !model.HasTag("Database&Python") {
		t.Fatal("composed tag not persisted")
	}
}

func TestUpdateNoteCanonicalizesTagList(t *testing.T) {
	fake := &fakeStore{}
	holder := seedStateStore(fake, "notes", seededDocument())
	svc := newTestService(fake)

	input := NoteInput{
		Title:    "Schema",
		BodyHTML: "<p>draft</p>",
		Tags:     " python , database & python ,python",
	}
	if _, err := svc.UpdateNote(context.Background(), "notes", "sec-1", "note-1", input, "avery"); err != nil {
		t.Fatalf("UpdateNote failed: %v", err)
	}

	note := holder.doc.Sections[0].Notes[0]
	if len(note.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", note.Tags)
	}
	if note.Tags[0] != "python" || note.Tags[1] != "database&python" {
		t.Fatalf("tags not canonicalized: %v", note.Tags)
	}
}

func TestDeleteNoteCleansOrphans(t *testing.T) {
	doc := seededDocument()
	// Strip category membership so Python survives only through usage.
	for i := range doc.Categories {
		doc.Categories[i].Tags = []string{tags.ReservedAll}
	}
	fake := &fakeStore{}
	holder := seedStateStore(fake, "notes", doc)
	svc := newTestService(fake)

	if _, err := svc.DeleteNote(context.Background(), "notes", "sec-1", "note-1", "avery"); err != nil {
		t.Fatalf("DeleteNote failed: %v", err)
	}
	if _, err := svc.DeleteSection(context.Background(), "notes", "sec-1", "avery"); err != nil {
		t.Fatalf("DeleteSection failed: %v", err)
	}

	model := tags.NewModel(holder.doc.Clone())
	if model.HasTag("Python") {
		t.Fatal("orphaned tag survived content deletion")
	}
}

func TestMutateStateSkipsCommitWhenUnchanged(t *testing.T) {
	fake := &fakeStore{}
	seedStateStore(fake, "notes", seededDocument())
	svc := newTestService(fake)

	commits := 0
	svc.repo = &fakeRepo{
		commitFn: func(_ string, _ *tags.Document, _, message string) (staterepo.CommitInfo, error) {
			commits++
			return staterepo.CommitInfo{Hash: "abc1234", Message: message}, nil
		},
	}

	// Identical write: no content difference, no commit.
	input := SectionInput{Title: "Backend", Tags: "Python"}
	if _, err := svc.UpdateSection(context.Background(), "notes", "sec-1", input, "avery"); err != nil {
		t.Fatalf("UpdateSection failed: %v", err)
	}
	if commits != 0 {
		t.Fatalf("unchanged write should not commit, got %d", commits)
	}

	input.Title = "Backend Services"
	if _, err := svc.UpdateSection(context.Background(), "notes", "sec-1", input, "avery"); err != nil {
		t.Fatalf("UpdateSection failed: %v", err)
	}
	if commits != 1 {
		t.Fatalf("changed write should commit once, got %d", commits)
	}
}

func TestGetViewAppliesFilter(t *testing.T) {
	doc := seededDocument()
	doc.Sections = append(doc.Sections, tags.Section{ID: "sec-2", Title: "Frontend", Tags: []string{"CSS"}})
	doc.KnownTags = append(doc.KnownTags, "CSS")
	fake := &fakeStore{}
	seedStateStore(fake, "notes", doc)
	svc := newTestService(fake)

	payload, err := svc.GetView(context.Background(), "notes", []string{"Python"}, "user-1")
	if err != nil {
		t.Fatalf("GetView failed: %v", err)
	}
	sections := payload["sections"].([]tags.Section)
	if len(sections) != 1 || sections[0].ID != "sec-1" {
		t.Fatalf("filter not applied: %+v", sections)
	}
	if payload["viewState"] == nil {
		t.Fatal("expected per-user view state in payload")
	}
}

func TestSetCompletedTogglesMembership(t *testing.T) {
	fake := &fakeStore{}
	seedStateStore(fake, "notes", seededDocument())
	current := store.ViewState{Completed: []string{}, Collapsed: []string{}}
	fake.getViewStateFn = func(_ context.Context, userID, stateID string) (store.ViewState, error) {
		vs := current
		vs.UserID = userID
		vs.StateID = stateID
		return vs, nil
	}
	fake.saveViewStateFn = func(_ context.Context, vs store.ViewState) error {
		current = vs
		return nil
	}
	svc := newTestService(fake)
	ctx := context.Background()

	if _, err := svc.SetCompleted(ctx, "user-1", "notes", "note-1", true); err != nil {
		t.Fatalf("SetCompleted failed: %v", err)
	}
	if len(current.Completed) != 1 || current.Completed[0] != "note-1" {
		t.Fatalf("completed not recorded: %v", current.Completed)
	}

	if _, err := svc.SetCompleted(ctx, "user-1", "notes", "note-1", false); err != nil {
		t.Fatalf("SetCompleted failed: %v", err)
	}
	if len(current.Completed) != 0 {
		t.Fatalf("completed not cleared: %v", current.Completed)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	fake := &fakeStore{}
	fake.getUserByIDFn = func(_ context.Context, id string) (store.User, error) {
		if id != "user-1" {
			return store.User{}, errors.New("not found")
		}
		return store.User{ID: "user-1", DisplayName: "Avery"}, nil
	}
	svc := newTestService(fake)

	session, err := svc.issueSession(context.Background(), store.User{ID: "user-1", DisplayName: "Avery"})
	if err != nil {
		t.Fatalf("issueSession failed: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("incomplete session %+v", session)
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	if parsed.UserID != "user-1" || parsed.UserName != "Avery" {
		t.Fatalf("unexpected session %+v", parsed)
	}
}

func TestStateHistoryRequiresRepo(t *testing.T) {
	fake := &fakeStore{}
	seedStateStore(fake, "notes", seededDocument())
	svc := newTestService(fake)

	_, err := svc.StateHistory(context.Background(), "notes", 10)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 503 {
		t.Fatalf("expected 503 without a repo, got %v", err)
	}

	svc.repo = &fakeRepo{
		historyFn: func(stateID string, limit int) ([]staterepo.CommitInfo, error) {
			return []staterepo.CommitInfo{{Hash: "abc1234", Message: "Create tag Python"}}, nil
		},
	}
	payload, err := svc.StateHistory(context.Background(), "notes", 10)
	if err != nil {
		t.Fatalf("StateHistory failed: %v", err)
	}
	commits := payload["commits"].([]staterepo.CommitInfo)
	if len(commits) != 1 || commits[0].Hash != "abc1234" {
		t.Fatalf("unexpected commits %+v", commits)
	}
}
