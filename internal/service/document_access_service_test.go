package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-254/Uni-connect-sub002/internal/models"
	appErrors "github.com/max-254/Uni-connect-sub002/pkg/errors"
)

// docRepoMock is an in-memory document store honouring the ACL version check.
type docRepoMock struct {
	mu        sync.Mutex
	docs      map[string]*models.Document
	grants    map[string][]models.AccessGrant
	versions  map[string][]models.DocumentVersion
	conflicts int
}

func newDocRepoMock(docs ...*models.Document) *docRepoMock {
	m := &docRepoMock{docs: map[string]*models.Document{}, grants: map[string][]models.AccessGrant{}, versions: map[string][]models.DocumentVersion{}}
	for _, d := range docs {
		m.docs[d.ID] = d
	}
	return m
}

func (m *docRepoMock) Create(ctx context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	cp := *doc
	m.docs[doc.ID] = &cp
	return nil
}

func (m *docRepoMock) FindByID(ctx context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *d
	return &cp, nil
}

func (m *docRepoMock) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.docs, id)
	delete(m.grants, id)
	delete(m.versions, id)
	return nil
}

func (m *docRepoMock) AppendVersion(ctx context.Context, v *models.DocumentVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[v.DocumentID]
	if !ok {
		return sql.ErrNoRows
	}
	v.ID = uuid.NewString()
	v.Version = d.CurrentVersion + 1
	v.CreatedAt = time.Now().UTC()
	d.CurrentVersion = v.Version
	d.Status = models.DocumentStatusAvailable
	m.versions[v.DocumentID] = append(m.versions[v.DocumentID], *v)
	return nil
}

func (m *docRepoMock) ListVersions(ctx context.Context, documentID string) ([]models.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.DocumentVersion(nil), m.versions[documentID]...), nil
}

func (m *docRepoMock) FindVersion(ctx context.Context, documentID string, version int) (*models.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[documentID] {
		if v.Version == version {
			cp := v
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *docRepoMock) ListGrants(ctx context.Context, documentID string) ([]models.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AccessGrant(nil), m.grants[documentID]...), nil
}

func (m *docRepoMock) GrantsForSubjects(ctx context.Context, documentID string, subjects []string) ([]models.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AccessGrant
	for _, g := range m.grants[documentID] {
		for _, s := range subjects {
			if g.Subject == s {
				out = append(out, g)
			}
		}
	}
	return out, nil
}

func (m *docRepoMock) UpsertGrant(ctx context.Context, grant *models.AccessGrant, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.docs[grant.DocumentID]
	if m.conflicts > 0 {
		m.conflicts--
		d.ACLVersion++
		return appErrors.Clone(appErrors.ErrConflict, "")
	}
	if d.ACLVersion != expected {
		return appErrors.Clone(appErrors.ErrConflict, "")
	}
	d.ACLVersion++
	list := m.grants[grant.DocumentID]
	for i := range list {
		if list[i].Subject == grant.Subject {
			list[i].Level = grant.Level
			list[i].GrantedBy = grant.GrantedBy
			grant.ID = list[i].ID
			return nil
		}
	}
	grant.ID = uuid.NewString()
	m.grants[grant.DocumentID] = append(list, *grant)
	return nil
}

func (m *docRepoMock) DeleteGrant(ctx context.Context, documentID, grantID string, expected int64) (*models.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.docs[documentID]
	if d.ACLVersion != expected {
		return nil, appErrors.Clone(appErrors.ErrConflict, "")
	}
	list := m.grants[documentID]
	for i := range list {
		if list[i].ID == grantID {
			removed := list[i]
			m.grants[documentID] = append(list[:i], list[i+1:]...)
			d.ACLVersion++
			return &removed, nil
		}
	}
	return nil, nil
}

type auditSpy struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

func (a *auditSpy) Record(ctx context.Context, rec models.AuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *auditSpy) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r.Action)
	}
	return out
}

var (
	testOwner   = models.Principal{ID: "owner-1", Role: models.RoleStudent}
	testStudent = models.Principal{ID: "student-2", Role: models.RoleStudent}
	testAdmin   = models.Principal{ID: "admin-1", Role: models.RoleAdmin}
)

func newAccessFixture(t *testing.T) (*DocumentAccessService, *docRepoMock, *auditSpy, *MetricsService) {
	t.Helper()
	repo := newDocRepoMock(&models.Document{ID: "doc-1", OwnerID: testOwner.ID, Title: "Offer", Kind: models.DocumentKindOfferLetter, Status: models.DocumentStatusAvailable})
	audit := &auditSpy{}
	metrics := NewMetricsService()
	svc := NewDocumentAccessService(repo, newTestPermissions(t, metrics), audit, nil, nil, metrics)
	return svc, repo, audit, metrics
}

func TestCheckAccessOwnerAlwaysAllowed(t *testing.T) {
	svc, repo, _, _ := newAccessFixture(t)
	doc, _ := repo.FindByID(context.Background(), "doc-1")

	for _, level := range []models.AccessLevel{models.AccessView, models.AccessEdit, models.AccessAdmin} {
		assert.NoError(t, svc.CheckAccess(context.Background(), testOwner, doc, level))
	}
}

func TestCheckAccessNonOwnerWithoutGrantDenied(t *testing.T) {
	svc, repo, _, metrics := newAccessFixture(t)
	doc, _ := repo.FindByID(context.Background(), "doc-1")

	err := svc.CheckAccess(context.Background(), testStudent, doc, models.AccessView)
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.authzDenials.WithLabelValues("document")))
}

func TestCheckAccessRoleLeg(t *testing.T) {
	svc, repo, _, _ := newAccessFixture(t)
	doc, _ := repo.FindByID(context.Background(), "doc-1")

	assert.NoError(t, svc.CheckAccess(context.Background(), testAdmin, doc, models.AccessAdmin))
	institutionAdmin := models.Principal{ID: "ia-1", Role: models.RoleInstitutionAdmin, InstitutionID: "inst-1"}
	assert.ErrorIs(t, svc.CheckAccess(context.Background(), institutionAdmin, doc, models.AccessView), appErrors.ErrForbidden)
}

func TestAddAccessGrantsAndUpserts(t *testing.T) {
	svc, repo, audit, _ := newAccessFixture(t)
	ctx := context.Background()
	doc, _ := repo.FindByID(ctx, "doc-1")

	first, err := svc.AddAccess(ctx, testOwner, "doc-1", models.AddAccessRequest{Subject: testStudent.ID, Level: "view"})
	require.NoError(t, err)
	require.NoError(t, svc.CheckAccess(ctx, testStudent, doc, models.AccessView))
	assert.ErrorIs(t, svc.CheckAccess(ctx, testStudent, doc, models.AccessEdit), appErrors.ErrForbidden)

	second, err := svc.AddAccess(ctx, testOwner, "doc-1", models.AddAccessRequest{Subject: testStudent.ID, Level: "edit"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	grants, _ := repo.ListGrants(ctx, "doc-1")
	require.Len(t, grants, 1)
	assert.Equal(t, models.AccessEdit, grants[0].Level)
	assert.NoError(t, svc.CheckAccess(ctx, testStudent, doc, models.AccessEdit))
	assert.Equal(t, []string{models.AuditActionGrant, models.AuditActionGrant}, audit.actions())
}

func TestAddAccessRequiresAdminLevel(t *testing.T) {
	svc, _, audit, _ := newAccessFixture(t)
	ctx := context.Background()

	_, err := svc.AddAccess(ctx, testOwner, "doc-1", models.AddAccessRequest{Subject: testStudent.ID, Level: "edit"})
	require.NoError(t, err)

	_, err = svc.AddAccess(ctx, testStudent, "doc-1", models.AddAccessRequest{Subject: "someone", Level: "view"})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
	assert.Len(t, audit.actions(), 1)
}

func TestAddAccessRejectsOwnerAndBadLevel(t *testing.T) {
	svc, _, _, _ := newAccessFixture(t)
	ctx := context.Background()

	_, err := svc.AddAccess(ctx, testOwner, "doc-1", models.AddAccessRequest{Subject: testOwner.ID, Level: "view"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.AddAccess(ctx, testOwner, "doc-1", models.AddAccessRequest{Subject: testStudent.ID, Level: "owner"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestAddAccessMissingDocument(t *testing.T) {
	svc, _, _, _ := newAccessFixture(t)

	_, err := svc.AddAccess(context.Background(), testOwner, "missing", models.AddAccessRequest{Subject: testStudent.ID, Level: "view"})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestPublicGrantOpensAndRevokeCloses(t *testing.T) {
	svc, repo, audit, _ := newAccessFixture(t)
	ctx := context.Background()
	doc, _ := repo.FindByID(ctx, "doc-1")
	stranger := models.Principal{ID: "stranger", Role: models.RoleStudent}

	grant, err := svc.AddAccess(ctx, testOwner, "doc-1", models.AddAccessRequest{Subject: "PUBLIC", Level: "view"})
	require.NoError(t, err)
	assert.Equal(t, models.SubjectPublic, grant.Subject)
	assert.NoError(t, svc.CheckAccess(ctx, stranger, doc, models.AccessView))

	require.NoError(t, svc.RemoveAccess(ctx, testOwner, "doc-1", grant.ID))
	assert.ErrorIs(t, svc.CheckAccess(ctx, stranger, doc, models.AccessView), appErrors.ErrForbidden)
	assert.Equal(t, []string{models.AuditActionGrant, models.AuditActionRevoke}, audit.actions())
}

func TestRemoveAccessIsIdempotent(t *testing.T) {
	svc, _, audit, _ := newAccessFixture(t)
	ctx := context.Background()

	grant, err := svc.AddAccess(ctx, testOwner, "doc-1", models.AddAccessRequest{Subject: testStudent.ID, Level: "view"})
	require.NoError(t, err)

	require.NoError(t, svc.RemoveAccess(ctx, testOwner, "doc-1", grant.ID))
	require.NoError(t, svc.RemoveAccess(ctx, testOwner, "doc-1", grant.ID))
	require.NoError(t, svc.RemoveAccess(ctx, testOwner, "doc-1", "never-existed"))
	assert.Equal(t, []string{models.AuditActionGrant, models.AuditActionRevoke}, audit.actions())
}

func TestListAccessStartsWithImplicitOwner(t *testing.T) {
	svc, _, _, _ := newAccessFixture(t)
	ctx := context.Background()

	entries, err := svc.ListAccess(ctx, testOwner, "doc-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AccessEntry{Subject: testOwner.ID, Level: models.AccessAdmin, Implicit: true}, entries[0])

	_, err = svc.AddAccess(ctx, testOwner, "doc-1", models.AddAccessRequest{Subject: testStudent.ID, Level: "view"})
	require.NoError(t, err)

	entries, err = svc.ListAccess(ctx, testStudent, "doc-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Implicit)
	assert.Equal(t, testStudent.ID, entries[1].Subject)
	assert.False(t, entries[1].Implicit)
}

func TestAddAccessRetriesOnConflict(t *testing.T) {
	svc, repo, _, metrics := newAccessFixture(t)
	repo.conflicts = 2

	_, err := svc.AddAccess(context.Background(), testOwner, "doc-1", models.AddAccessRequest{Subject: testStudent.ID, Level: "view"})
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.grantConflicts))
}

func TestAddAccessSurfacesConflictAfterRetries(t *testing.T) {
	svc, repo, audit, _ := newAccessFixture(t)
	repo.conflicts = maxGrantAttempts

	_, err := svc.AddAccess(context.Background(), testOwner, "doc-1", models.AddAccessRequest{Subject: testStudent.ID, Level: "view"})
	assert.ErrorIs(t, err, appErrors.ErrConflict)
	assert.Empty(t, audit.actions())
}

func TestConcurrentGrantsAllLand(t *testing.T) {
	svc, repo, _, _ := newAccessFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	subjects := []string{"a", "b"}
	errs := make([]error, len(subjects))
	for i, subject := range subjects {
		wg.Add(1)
		go func(i int, subject string) {
			defer wg.Done()
			_, errs[i] = svc.AddAccess(ctx, testOwner, "doc-1", models.AddAccessRequest{Subject: subject, Level: "view"})
		}(i, subject)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	grants, _ := repo.ListGrants(ctx, "doc-1")
	assert.Len(t, grants, 2)
}

func TestAuthorizerRoutesDocumentsAndRoles(t *testing.T) {
	svc, _, _, metrics := newAccessFixture(t)
	authz := NewAuthorizer(newTestPermissions(t, metrics), svc)
	ctx := context.Background()

	assert.NoError(t, authz.Authorize(ctx, testOwner, "document", "manage", AuthzContext{DocumentID: "doc-1"}))
	assert.ErrorIs(t, authz.Authorize(ctx, testStudent, "document", "read", AuthzContext{DocumentID: "doc-1"}), appErrors.ErrForbidden)
	assert.ErrorIs(t, authz.Authorize(ctx, testStudent, "document", "read", AuthzContext{DocumentID: "nope"}), appErrors.ErrNotFound)

	assert.NoError(t, authz.Authorize(ctx, testStudent, "application", "read_own", AuthzContext{}))
	assert.ErrorIs(t, authz.Authorize(ctx, testStudent, "application", "read", AuthzContext{}), appErrors.ErrForbidden)
}

func TestAuthorizerInstitutionScope(t *testing.T) {
	svc, _, _, metrics := newAccessFixture(t)
	authz := NewAuthorizer(newTestPermissions(t, metrics), svc)
	ctx := context.Background()

	scoped := models.Principal{ID: "ia", Role: models.RoleInstitutionAdmin, InstitutionID: "inst-1"}
	unscoped := models.Principal{ID: "ia2", Role: models.RoleInstitutionAdmin}

	assert.NoError(t, authz.Authorize(ctx, scoped, "application", "update", AuthzContext{InstitutionID: "inst-1"}))
	assert.ErrorIs(t, authz.Authorize(ctx, scoped, "application", "update", AuthzContext{InstitutionID: "inst-2"}), appErrors.ErrForbidden)
	assert.ErrorIs(t, authz.Authorize(ctx, unscoped, "application", "read", AuthzContext{}), appErrors.ErrForbidden)
}

func TestLevelForAction(t *testing.T) {
	assert.Equal(t, models.AccessView, LevelForAction("READ"))
	assert.Equal(t, models.AccessEdit, LevelForAction("upload"))
	assert.Equal(t, models.AccessAdmin, LevelForAction("delete"))
	assert.Equal(t, models.AccessAdmin, LevelForAction("manage"))
}
