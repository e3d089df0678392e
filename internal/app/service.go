package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tagdoc/api/internal/auth"
	"tagdoc/api/internal/authpw"
	"tagdoc/api/internal/backup"
	"tagdoc/api/internal/config"
	"tagdoc/api/internal/editor"
	"tagdoc/api/internal/export"
	"tagdoc/api/internal/filter"
	"tagdoc/api/internal/preserve"
	"tagdoc/api/internal/search"
	"tagdoc/api/internal/staterepo"
	"tagdoc/api/internal/store"
	"tagdoc/api/internal/tags"
	"tagdoc/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(context.Context, string, string, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	CreateState(context.Context, string, *tags.Document) (store.StateInfo, error)
	GetStateByName(context.Context, string) (store.StateInfo, *tags.Document, error)
	SaveStateDocument(context.Context, string, *tags.Document) error
	RenameState(context.Context, string, string) error
	DeleteState(context.Context, string) error
	ListStates(context.Context) ([]store.StateInfo, error)
	CountStates(context.Context) (int, error)
	GetViewState(context.Context, string, string) (store.ViewState, error)
	SaveViewState(context.Context, store.ViewState) error
	InsertTagAudit(context.Context, store.TagAuditEntry) error
	ListTagAudit(context.Context, string, int) ([]store.TagAuditEntry, error)
	Ping(ctx context.Context) error
}

type stateRepo interface {
	EnsureStateRepo(stateID string, doc *tags.Document, author string) error
	CommitState(stateID string, doc *tags.Document, author, message string) (staterepo.CommitInfo, error)
	History(stateID string, limit int) ([]staterepo.CommitInfo, error)
	StateAt(stateID, hash string) (*tags.Document, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexState(ctx context.Context, stateID string, doc *tags.Document)
}

type preserveStore interface {
	Save(ctx context.Context, editorType, content, formID, pagePath, reason string) error
	RestoreLatest(ctx context.Context, editorType, formID, pagePath string) (*preserve.Snapshot, error)
	ClearPending(ctx context.Context, editorType, formID, pagePath string) error
	Ping(ctx context.Context) error
}

type backupStore interface {
	UploadState(ctx context.Context, stateID string, doc *tags.Document) (backup.Entry, error)
	ListStateBackups(ctx context.Context, stateID string) ([]backup.Entry, error)
	FetchBackup(ctx context.Context, key string) (*tags.Document, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	repo     stateRepo
	search   searchService
	preserve preserveStore
	backup   backupStore
	authpw   *authpw.Service

	stateMu    sync.Mutex
	stateLocks map[string]*sync.Mutex
}

func New(cfg config.Config, dataStore *store.PostgresStore, repo *staterepo.Service, searchSvc *search.Service, preserveSvc *preserve.Store, backupSvc *backup.Service, authpwSvc *authpw.Service) *Service {
	s := &Service{
		cfg:        cfg,
		store:      dataStore,
		authpw:     authpwSvc,
		stateLocks: make(map[string]*sync.Mutex),
	}
	if repo != nil {
		s.repo = repo
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	if preserveSvc != nil {
		s.preserve = preserveSvc
	}
	if backupSvc != nil {
		s.backup = backupSvc
	}
	return s
}

// Bootstrap seeds an empty database with a default state so a fresh install
// has something to open.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountStates(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err = s.CreateState(ctx, "default", "system")
	return err
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PreservePing(ctx context.Context) error {
	if s.preserve == nil {
		return errors.New("preservation store not configured")
	}
	return s.preserve.Ping(ctx)
}

// ---- sessions ----

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{Email: email, Password: password, DisplayName: displayName})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.store.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.store.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// ---- states ----

var stateNamePattern = regexp.MustCompile(`[^a-z0-9-]+`)

// slugifyStateName reduces a display name to the identifier used in URLs and
// repo paths.
func slugifyStateName(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.ReplaceAll(slug, "_", "-")
	slug = stateNamePattern.ReplaceAllString(slug, "")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	return strings.Trim(slug, "-")
}

func (s *Service) CreateState(ctx context.Context, name, actor string) (map[string]any, error) {
	slug := slugifyStateName(name)
	if slug == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "State name is required", nil)
	}
	if _, _, err := s.store.GetStateByName(ctx, slug); err == nil {
		return nil, domainError(http.StatusConflict, "STATE_EXISTS", "A state with this name already exists", nil)
	}

	doc := tags.NewDocument(strings.TrimSpace(name))
	info, err := s.store.CreateState(ctx, slug, doc)
	if err != nil {
		return nil, err
	}
	if s.repo != nil {
		if err := s.repo.EnsureStateRepo(info.ID, doc, actor); err != nil {
			log.Printf("staterepo: init repo for %s: %v", info.ID, err)
		}
	}
	if s.search != nil {
		s.search.IndexState(ctx, info.ID, doc)
	}
	return map[string]any{
		"success": true,
		"state": map[string]any{
			"id":        info.ID,
			"name":      info.Name,
			"createdAt": info.CreatedAt,
		},
	}, nil
}

func (s *Service) ListStates(ctx context.Context) (map[string]any, error) {
	states, err := s.store.ListStates(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(states))
	for _, state := range states {
		items = append(items, map[string]any{
			"id":        state.ID,
			"name":      state.Name,
			"createdAt": state.CreatedAt,
			"updatedAt": state.UpdatedAt,
		})
	}
	return map[string]any{"states": items, "total": len(items)}, nil
}

func (s *Service) RenameState(ctx context.Context, stateName, newName string) (map[string]any, error) {
	slug := slugifyStateName(newName)
	if slug == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "State name is required", nil)
	}
	info, _, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}
	if slug != info.Name {
		if _, _, err := s.store.GetStateByName(ctx, slug); err == nil {
			return nil, domainError(http.StatusConflict, "STATE_EXISTS", "A state with this name already exists", nil)
		}
	}
	if err := s.store.RenameState(ctx, info.ID, slug); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "name": slug}, nil
}

func (s *Service) DeleteState(ctx context.Context, stateName, actor string) (map[string]any, error) {
	info, _, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountStates(ctx)
	if err != nil {
		return nil, err
	}
	if count <= 1 {
		return nil, domainError(http.StatusConflict, "LAST_STATE", "Cannot delete the last remaining state", nil)
	}
	if err := s.store.DeleteState(ctx, info.ID); err != nil {
		return nil, err
	}
	s.audit(ctx, info.ID, "state-delete", info.Name, actor, nil)
	return map[string]any{"success": true}, nil
}

func (s *Service) lookupState(ctx context.Context, stateName string) (store.StateInfo, *tags.Document, error) {
	name := strings.TrimSpace(stateName)
	if name == "" {
		return store.StateInfo{}, nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "state is required", nil)
	}
	info, doc, err := s.store.GetStateByName(ctx, name)
	if err != nil {
		return store.StateInfo{}, nil, domainError(http.StatusNotFound, "STATE_NOT_FOUND", "Unknown state: "+name, nil)
	}
	return info, doc, nil
}

// ---- mutation pipeline ----

func (s *Service) stateLock(stateID string) *sync.Mutex {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.stateLocks[stateID] == nil {
		s.stateLocks[stateID] = &sync.Mutex{}
	}
	return s.stateLocks[stateID]
}

// mutateState loads a state, applies fn to its tag model, and persists the
// result through the full pipeline: Postgres, the git history repo, the
// search indexes, and the optional backup upload.
func (s *Service) mutateState(ctx context.Context, stateName, actor, message string, fn func(model *tags.Model) error) (*tags.Document, error) {
	info, before, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}

	lock := s.stateLock(info.ID)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the lock so concurrent writers do not clobber each other.
	info, before, err = s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}

	model := tags.NewModel(before.Clone())
	if err := fn(model); err != nil {
		return nil, err
	}
	after := model.Document()

	if err := s.store.SaveStateDocument(ctx, info.ID, after); err != nil {
		return nil, err
	}
	if s.repo != nil && staterepo.HasChanges(before, after) {
		if _, err := s.repo.CommitState(info.ID, after, actor, message); err != nil {
			log.Printf("staterepo: commit %s: %v", info.ID, err)
		}
	}
	if s.search != nil {
		s.search.IndexState(ctx, info.ID, after)
	}
	if s.backup != nil {
		go func(doc *tags.Document) {
			uploadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.backup.UploadState(uploadCtx, info.ID, doc); err != nil {
				log.Printf("backup: upload state %s: %v", info.ID, err)
			}
		}(after)
	}
	return after, nil
}

func (s *Service) audit(ctx context.Context, stateID, action, tag, actor string, details map[string]any) {
	err := s.store.InsertTagAudit(ctx, store.TagAuditEntry{
		StateID: stateID,
		Action:  action,
		Tag:     tag,
		Actor:   actor,
		Details: details,
	})
	if err != nil {
		log.Printf("audit: record %s %q on %s: %v", action, tag, stateID, err)
	}
}

// failure is the success-false envelope content operations return when the
// tag model rejects an operation. The request itself succeeded, so the HTTP
// status stays 200.
func failure(err error) map[string]any {
	return map[string]any{"success": false, "message": err.Error()}
}

// ---- tag operations ----

func (s *Service) CreateTag(ctx context.Context, stateName, name, categoryID, actor string) (map[string]any, error) {
	var created string
	var pool []string
	_, err := s.mutateState(ctx, stateName, actor, "Create tag "+tags.Canonical(name), func(model *tags.Model) error {
		canonical, err := model.CreateTag(name, categoryID)
		if err != nil {
			return err
		}
		created = canonical
		pool = model.SuggestionPool()
		return nil
	})
	if err != nil {
		if isTagModelError(err) {
			return failure(err), nil
		}
		return nil, err
	}
	return map[string]any{"success": true, "tag": created, "allTags": pool}, nil
}

func (s *Service) RenameTag(ctx context.Context, stateName, oldName, newName, actor string) (map[string]any, error) {
	info, _, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}
	_, err = s.mutateState(ctx, stateName, actor, "Rename tag "+oldName, func(model *tags.Model) error {
		return model.RenameTag(oldName, newName)
	})
	if err != nil {
		if isTagModelError(err) {
			return failure(err), nil
		}
		return nil, err
	}
	s.audit(ctx, info.ID, "rename", oldName, actor, map[string]any{"to": tags.Canonical(newName)})
	return map[string]any{"success": true}, nil
}

func (s *Service) DeleteTag(ctx context.Context, stateName, name, actor string) (map[string]any, error) {
	info, _, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}
	_, err = s.mutateState(ctx, stateName, actor, "Delete tag "+name, func(model *tags.Model) error {
		return model.DeleteTag(name)
	})
	if err != nil {
		if isTagModelError(err) {
			return failure(err), nil
		}
		return nil, err
	}
	s.audit(ctx, info.ID, "delete", name, actor, nil)
	return map[string]any{"success": true}, nil
}

// MoveTag handles both drops: onto a category (membership move) and onto
// another tag (composition into an AND-tag).
func (s *Service) MoveTag(ctx context.Context, stateName, tag, fromCategoryID, toCategoryID, targetTag, actor string) (map[string]any, error) {
	var composed string
	_, err := s.mutateState(ctx, stateName, actor, "Move tag "+tag, func(model *tags.Model) error {
		if targetTag != "" {
			result, err := model.ComposeFromDrop(tag, targetTag)
			if err != nil {
				return err
			}
			composed = result
			return nil
		}
		return model.MoveTag(tag, fromCategoryID, toCategoryID)
	})
	if err != nil {
		if isTagModelError(err) {
			return failure(err), nil
		}
		return nil, err
	}
	payload := map[string]any{"success": true}
	if composed != "" {
		payload["tag"] = composed
	}
	return payload, nil
}

func (s *Service) RemoveTagComponent(ctx context.Context, stateName, andTag, component, actor string) (map[string]any, error) {
	var result string
	_, err := s.mutateState(ctx, stateName, actor, "Remove component "+component+" from "+andTag, func(model *tags.Model) error {
		remaining, err := model.RemoveAndTagComponent(andTag, component)
		if err != nil {
			return err
		}
		result = remaining
		return nil
	})
	if err != nil {
		if isTagModelError(err) {
			return failure(err), nil
		}
		return nil, err
	}
	return map[string]any{"success": true, "tag": result}, nil
}

func (s *Service) RemoveTagFromCategory(ctx context.Context, stateName, tag, categoryID, actor string) (map[string]any, error) {
	info, _, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}
	var orphaned bool
	_, err = s.mutateState(ctx, stateName, actor, "Remove "+tag+" from category", func(model *tags.Model) error {
		if err := model.RemoveTagFromCategory(tag, categoryID); err != nil {
			return err
		}
		orphaned = !model.HasTag(tag)
		return nil
	})
	if err != nil {
		if isTagModelError(err) {
			return failure(err), nil
		}
		return nil, err
	}
	if orphaned {
		s.audit(ctx, info.ID, "orphan-removed", tag, actor, map[string]any{"category": categoryID})
	}
	return map[string]any{"success": true, "removed": orphaned}, nil
}

func (s *Service) TagAudit(ctx context.Context, stateName string, limit int) (map[string]any, error) {
	info, _, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := s.store.ListTagAudit(ctx, info.ID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"action":    entry.Action,
			"tag":       entry.Tag,
			"actor":     entry.Actor,
			"details":   entry.Details,
			"createdAt": entry.CreatedAt,
		})
	}
	return map[string]any{"entries": items}, nil
}

// ---- categories ----

func (s *Service) AddCategory(ctx context.Context, stateName, name, actor string) (map[string]any, error) {
	var created tags.Category
	_, err := s.mutateState(ctx, stateName, actor, "Add category "+name, func(model *tags.Model) error {
		category, err := model.AddCategory(name)
		if err != nil {
			return err
		}
		created = category
		return nil
	})
	if err != nil {
		if isTagModelError(err) {
			return failure(err), nil
		}
		return nil, err
	}
	return map[string]any{"success": true, "category": created}, nil
}

func (s *Service) RenameCategory(ctx context.Context, stateName, categoryID, name, actor string) (map[string]any, error) {
	_, err := s.mutateState(ctx, stateName, actor, "Rename category "+categoryID, func(model *tags.Model) error {
		return model.RenameCategory(categoryID, name)
	})
	if err != nil {
		if isTagModelError(err) {
			return failure(err), nil
		}
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (s *Service) DeleteCategory(ctx context.Context, stateName, categoryID, actor string) (map[string]any, error) {
	_, err := s.mutateState(ctx, stateName, actor, "Delete category "+categoryID, func(model *tags.Model) error {
		return model.DeleteCategory(categoryID)
	})
	if err != nil {
		if isTagModelError(err) {
			return failure(err), nil
		}
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func isTagModelError(err error) bool {
	for _, sentinel := range []error{
		tags.ErrEmptyName,
		tags.ErrDuplicateTag,
		tags.ErrTagNotFound,
		tags.ErrDuplicateCategory,
		tags.ErrCategoryNotFound,
		tags.ErrInvalidTarget,
		tags.ErrInsufficientComponents,
		tags.ErrReservedName,
		tags.ErrInvariant,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// ---- content items ----

// parseTagList splits a comma-joined tag string into canonical tags,
// dropping blanks and duplicates.
func parseTagList(raw string) []string {
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		canonical := tags.Canonical(part)
		if canonical == "" {
			continue
		}
		key := strings.ToLower(canonical)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, canonical)
	}
	return out
}

type SectionInput struct {
	Title      string   `json:"title"`
	Tags       string   `json:"tags"`
	Categories []string `json:"categories"`
}

type NoteInput struct {
	Title      string   `json:"title"`
	BodyHTML   string   `json:"bodyHtml"`
	Tags       string   `json:"tags"`
	Categories []string `json:"categories"`
}

func (s *Service) AddSection(ctx context.Context, stateName string, input SectionInput, actor string) (map[string]any, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	section := tags.Section{
		ID:         uuid.NewString(),
		Title:      strings.TrimSpace(input.Title),
		Tags:       parseTagList(input.Tags),
		Categories: input.Categories,
		Notes:      []tags.Note{},
	}
	_, err := s.mutateState(ctx, stateName, actor, "Add section "+section.Title, func(model *tags.Model) error {
		model.SyncKnownTags(section.Tags)
		return model.MutateContent(func(doc *tags.Document) error {
			doc.Sections = append(doc.Sections, section)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "section": section}, nil
}

func (s *Service) UpdateSection(ctx context.Context, stateName, sectionID string, input SectionInput, actor string) (map[string]any, error) {
	parsed := parseTagList(input.Tags)
	_, err := s.mutateState(ctx, stateName, actor, "Update section "+sectionID, func(model *tags.Model) error {
		model.SyncKnownTags(parsed)
		return model.MutateContent(func(doc *tags.Document) error {
			section := findSection(doc, sectionID)
			if section == nil {
				return domainError(http.StatusNotFound, "SECTION_NOT_FOUND", "Unknown section: "+sectionID, nil)
			}
			if strings.TrimSpace(input.Title) != "" {
				section.Title = strings.TrimSpace(input.Title)
			}
			section.Tags = parsed
			section.Categories = input.Categories
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (s *Service) DeleteSection(ctx context.Context, stateName, sectionID, actor string) (map[string]any, error) {
	_, err := s.mutateState(ctx, stateName, actor, "Delete section "+sectionID, func(model *tags.Model) error {
		err := model.MutateContent(func(doc *tags.Document) error {
			for i := range doc.Sections {
				if doc.Sections[i].ID == sectionID {
					doc.Sections = append(doc.Sections[:i], doc.Sections[i+1:]...)
					return nil
				}
			}
			return domainError(http.StatusNotFound, "SECTION_NOT_FOUND", "Unknown section: "+sectionID, nil)
		})
		if err != nil {
			return err
		}
		model.CleanupOrphans()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (s *Service) AddNote(ctx context.Context, stateName, sectionID string, input NoteInput, actor string) (map[string]any, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	note := tags.Note{
		ID:         uuid.NewString(),
		Title:      strings.TrimSpace(input.Title),
		BodyHTML:   editor.NormalizeHTML(input.BodyHTML),
		Tags:       parseTagList(input.Tags),
		Categories: input.Categories,
	}
	_, err := s.mutateState(ctx, stateName, actor, "Add note "+note.Title, func(model *tags.Model) error {
		model.SyncKnownTags(note.Tags)
		return model.MutateContent(func(doc *tags.Document) error {
			section := findSection(doc, sectionID)
			if section == nil {
				return domainError(http.StatusNotFound, "SECTION_NOT_FOUND", "Unknown section: "+sectionID, nil)
			}
			section.Notes = append(section.Notes, note)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "note": note}, nil
}

func (s *Service) UpdateNote(ctx context.Context, stateName, sectionID, noteID string, input NoteInput, actor string) (map[string]any, error) {
	parsed := parseTagList(input.Tags)
	body := editor.NormalizeHTML(input.BodyHTML)
	_, err := s.mutateState(ctx, stateName, actor, "Update note "+noteID, func(model *tags.Model) error {
		model.SyncKnownTags(parsed)
		return model.MutateContent(func(doc *tags.Document) error {
			note := findNote(doc, sectionID, noteID)
			if note == nil {
				return domainError(http.StatusNotFound, "NOTE_NOT_FOUND", "Unknown note: "+noteID, nil)
			}
			if strings.TrimSpace(input.Title) != "" {
				note.Title = strings.TrimSpace(input.Title)
			}
			note.BodyHTML = body
			note.Tags = parsed
			note.Categories = input.Categories
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (s *Service) DeleteNote(ctx context.Context, stateName, sectionID, noteID, actor string) (map[string]any, error) {
	_, err := s.mutateState(ctx, stateName, actor, "Delete note "+noteID, func(model *tags.Model) error {
		err := model.MutateContent(func(doc *tags.Document) error {
			section := findSection(doc, sectionID)
			if section == nil {
				return domainError(http.StatusNotFound, "SECTION_NOT_FOUND", "Unknown section: "+sectionID, nil)
			}
			for i := range section.Notes {
				if section.Notes[i].ID == noteID {
					section.Notes = append(section.Notes[:i], section.Notes[i+1:]...)
					return nil
				}
			}
			return domainError(http.StatusNotFound, "NOTE_NOT_FOUND", "Unknown note: "+noteID, nil)
		})
		if err != nil {
			return err
		}
		model.CleanupOrphans()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func findSection(doc *tags.Document, sectionID string) *tags.Section {
	for i := range doc.Sections {
		if doc.Sections[i].ID == sectionID {
			return &doc.Sections[i]
		}
	}
	return nil
}

func findNote(doc *tags.Document, sectionID, noteID string) *tags.Note {
	section := findSection(doc, sectionID)
	if section == nil {
		return nil
	}
	for i := range section.Notes {
		if section.Notes[i].ID == noteID {
			return &section.Notes[i]
		}
	}
	return nil
}

// ---- view ----

// GetView renders the filtered page payload: visible sections under the
// active filter plus the tag universe and the caller's display preferences.
func (s *Service) GetView(ctx context.Context, stateName string, filterTokens []string, userID string) (map[string]any, error) {
	info, doc, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}

	expr := filter.Parse(filterTokens)
	visible := filter.VisibleSections(doc, expr)
	model := tags.NewModel(doc)

	payload := map[string]any{
		"state":         info.Name,
		"documentTitle": doc.Title,
		"sections":      visible,
		"filter":        []string(expr),
		"knownTags":     model.KnownTags(),
		"andTags":       model.AndTags(),
		"categories":    model.Categories(),
	}

	if userID != "" {
		viewState, err := s.store.GetViewState(ctx, userID, info.ID)
		if err != nil {
			return nil, err
		}
		payload["viewState"] = map[string]any{
			"completed": viewState.Completed,
			"collapsed": viewState.Collapsed,
		}
	}
	return payload, nil
}

// ---- per-user view state ----

func (s *Service) SetCollapsed(ctx context.Context, userID, stateName, itemID string, collapsed bool) (map[string]any, error) {
	info, _, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(itemID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "id is required", nil)
	}
	viewState, err := s.store.GetViewState(ctx, userID, info.ID)
	if err != nil {
		return nil, err
	}
	viewState.UserID = userID
	viewState.StateID = info.ID
	viewState.Collapsed = toggleMembership(viewState.Collapsed, itemID, collapsed)
	if err := s.store.SaveViewState(ctx, viewState); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "collapsed": viewState.Collapsed}, nil
}

func (s *Service) SetCompleted(ctx context.Context, userID, stateName, noteID string, completed bool) (map[string]any, error) {
	info, _, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(noteID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "noteId is required", nil)
	}
	viewState, err := s.store.GetViewState(ctx, userID, info.ID)
	if err != nil {
		return nil, err
	}
	viewState.UserID = userID
	viewState.StateID = info.ID
	viewState.Completed = toggleMembership(viewState.Completed, noteID, completed)
	if err := s.store.SaveViewState(ctx, viewState); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "completed": viewState.Completed}, nil
}

func toggleMembership(values []string, id string, present bool) []string {
	out := make([]string, 0, len(values)+1)
	for _, value := range values {
		if value != id {
			out = append(out, value)
		}
	}
	if present {
		out = append(out, id)
	}
	return out
}

// ---- history ----

func (s *Service) StateHistory(ctx context.Context, stateName string, limit int) (map[string]any, error) {
	if s.repo == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "State history is not configured", nil)
	}
	info, _, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	commits, err := s.repo.History(info.ID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"state": info.Name, "commits": commits}, nil
}

func (s *Service) StateAt(ctx context.Context, stateName, hash string) (map[string]any, error) {
	if s.repo == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "State history is not configured", nil)
	}
	info, _, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}
	doc, err := s.repo.StateAt(info.ID, hash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "COMMIT_NOT_FOUND", "Unknown commit: "+hash, nil)
	}
	return map[string]any{"state": info.Name, "hash": hash, "document": doc}, nil
}

// ExportState renders a state as a standalone HTML page.
func (s *Service) ExportState(ctx context.Context, stateName string) (string, string, error) {
	info, doc, err := s.lookupState(ctx, stateName)
	if err != nil {
		return "", "", err
	}
	html, err := export.RenderStateHTML(info.Name, doc, time.Now())
	if err != nil {
		return "", "", err
	}
	return info.Name, html, nil
}

// ---- backups ----

func (s *Service) ListBackups(ctx context.Context, stateName string) (map[string]any, error) {
	if s.backup == nil {
		return nil, domainError(http.StatusServiceUnavailable, "BACKUP_UNAVAILABLE", "Backups are not configured", nil)
	}
	info, _, err := s.lookupState(ctx, stateName)
	if err != nil {
		return nil, err
	}
	entries, err := s.backup.ListStateBackups(ctx, info.ID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []backup.Entry{}
	}
	return map[string]any{"state": info.Name, "backups": entries}, nil
}

// RestoreBackup replaces the current state content with a stored backup.
func (s *Service) RestoreBackup(ctx context.Context, stateName, key, actor string) (map[string]any, error) {
	if s.backup == nil {
		return nil, domainError(http.StatusServiceUnavailable, "BACKUP_UNAVAILABLE", "Backups are not configured", nil)
	}
	restored, err := s.backup.FetchBackup(ctx, key)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "BACKUP_NOT_FOUND", "Unknown backup: "+key, nil)
	}
	_, err = s.mutateState(ctx, stateName, actor, "Restore backup "+key, func(model *tags.Model) error {
		return model.MutateContent(func(doc *tags.Document) error {
			*doc = *restored.Clone()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// ---- content preservation ----

func (s *Service) PreserveSave(ctx context.Context, editorType, content, formID, pagePath, reason string) (map[string]any, error) {
	if s.preserve == nil {
		return nil, domainError(http.StatusServiceUnavailable, "PRESERVE_UNAVAILABLE", "Content preservation is not configured", nil)
	}
	if err := s.preserve.Save(ctx, editorType, content, formID, pagePath, reason); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (s *Service) PreserveRestore(ctx context.Context, editorType, formID, pagePath string) (map[string]any, error) {
	if s.preserve == nil {
		return nil, domainError(http.StatusServiceUnavailable, "PRESERVE_UNAVAILABLE", "Content preservation is not configured", nil)
	}
	snapshot, err := s.preserve.RestoreLatest(ctx, editorType, formID, pagePath)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return map[string]any{"success": true, "snapshot": nil}, nil
	}
	return map[string]any{"success": true, "snapshot": snapshot}, nil
}

func (s *Service) PreserveClear(ctx context.Context, editorType, formID, pagePath string) (map[string]any, error) {
	if s.preserve == nil {
		return nil, domainError(http.StatusServiceUnavailable, "PRESERVE_UNAVAILABLE", "Content preservation is not configured", nil)
	}
	if err := s.preserve.ClearPending(ctx, editorType, formID, pagePath); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// ---- search ----

func (s *Service) Search(ctx context.Context, text, filterType, stateName, tag string, limit, offset int) (map[string]any, error) {
	if s.search == nil {
		return nil, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	query := search.Query{
		Text:      text,
		FilterTag: tag,
		Limit:     limit,
		Offset:    offset,
	}
	switch filterType {
	case "":
	case "note":
		query.FilterType = search.ResultNote
	case "section":
		query.FilterType = search.ResultSection
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "type must be note or section", nil)
	}
	if stateName != "" {
		info, _, err := s.lookupState(ctx, stateName)
		if err != nil {
			return nil, err
		}
		query.FilterStateID = info.ID
	}
	response := s.search.Search(query)
	return map[string]any{
		"results": response.Results,
		"total":   response.Total,
		"query":   response.Query,
	}, nil
}
