package permissions

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge-api/internal/types"
)

// MockPermissionsRepo is a mock implementation of Repository
type MockPermissionsRepo struct {
	mock.Mock
}

func (m *MockPermissionsRepo) CreateGrant(ctx context.Context, grant *types.PermissionGrant) error {
	args := m.Called(ctx, grant)
	return args.Error(0)
}

func (m *MockPermissionsRepo) DeleteGrant(ctx context.Context, resourceType types.ResourceType, resourceID uuid.UUID, userID, teamID *uuid.UUID) error {
	args := m.Called(ctx, resourceType, resourceID, userID, teamID)
	return args.Error(0)
}

func (m *MockPermissionsRepo) DeleteGrantsForResource(ctx context.Context, resourceType types.ResourceType, resourceID uuid.UUID) error {
	args := m.Called(ctx, resourceType, resourceID)
	return args.Error(0)
}

func (m *MockPermissionsRepo) ListGrantsForResource(ctx context.Context, resourceType types.ResourceType, resourceID uuid.UUID) ([]*types.PermissionGrant, error) {
	args := m.Called(ctx, resourceType, resourceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.PermissionGrant), args.Error(1)
}

func (m *MockPermissionsRepo) ListGrantsForPrincipals(ctx context.Context, resourceType types.ResourceType, resourceID, userID uuid.UUID, teamIDs []uuid.UUID) ([]*types.PermissionGrant, error) {
	args := m.Called(ctx, resourceType, resourceID, userID, teamIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.PermissionGrant), args.Error(1)
}

// MockTeamsRepo is a mock implementation of teams.Repository
type MockTeamsRepo struct {
	mock.Mock
}

func (m *MockTeamsRepo) CreateTeam(ctx context.Context, ownerID uuid.UUID, params types.CreateTeamParams) (*types.Team, error) {
	args := m.Called(ctx, ownerID, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Team), args.Error(1)
}

func (m *MockTeamsRepo) GetTeam(ctx context.Context, teamID uuid.UUID) (*types.Team, error) {
	args := m.Called(ctx, teamID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Team), args.Error(1)
}

func (m *MockTeamsRepo) GetMembership(ctx context.Context, teamID, userID uuid.UUID) (*types.TeamMembership, error) {
	args := m.Called(ctx, teamID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.TeamMembership), args.Error(1)
}

func (m *MockTeamsRepo) AddMember(ctx context.Context, teamID, userID uuid.UUID, role types.TeamRole) (*types.TeamMembership, error) {
	args := m.Called(ctx, teamID, userID, role)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.TeamMembership), args.Error(1)
}

func (m *MockTeamsRepo) UpdateMemberRole(ctx context.Context, teamID, userID uuid.UUID, role types.TeamRole) error {
	args := m.Called(ctx, teamID, userID, role)
	return args.Error(0)
}

func (m *MockTeamsRepo) RemoveMember(ctx context.Context, teamID, userID uuid.UUID) error {
	args := m.Called(ctx, teamID, userID)
	return args.Error(0)
}

func (m *MockTeamsRepo) ListMembers(ctx context.Context, teamID uuid.UUID) ([]*types.TeamMembership, error) {
	args := m.Called(ctx, teamID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.TeamMembership), args.Error(1)
}

func (m *MockTeamsRepo) ListTeamIDsForUser(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

// MockLookupsRepo is a mock implementation of projects.Repository
type MockLookupsRepo struct {
	mock.Mock
}

func (m *MockLookupsRepo) GetProject(ctx context.Context, projectID uuid.UUID) (*types.Project, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Project), args.Error(1)
}

func (m *MockLookupsRepo) GetTask(ctx context.Context, taskID uuid.UUID) (*types.Task, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Task), args.Error(1)
}

func (m *MockLookupsRepo) GetUser(ctx context.Context, userID uuid.UUID) (*types.UserRef, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.UserRef), args.Error(1)
}

type resolverFixture struct {
	repo    *MockPermissionsRepo
	teams   *MockTeamsRepo
	lookups *MockLookupsRepo
	service *ServiceImpl
}

// newResolverFixture builds a fresh service per test so the team cache
// never leaks between cases.
func newResolverFixture() *resolverFixture {
	f := &resolverFixture{
		repo:    new(MockPermissionsRepo),
		teams:   new(MockTeamsRepo),
		lookups: new(MockLookupsRepo),
	}
	f.service = NewService(f.repo, f.teams, f.lookups, slog.Default())
	return f
}

func userGrant(resourceType types.ResourceType, resourceID, userID uuid.UUID, level types.PermissionLevel) *types.PermissionGrant {
	return &types.PermissionGrant{
		ID:           uuid.New(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       &userID,
		Level:        level,
		GrantedBy:    uuid.New(),
		CreatedAt:    time.Now(),
	}
}

func teamGrant(resourceType types.ResourceType, resourceID, teamID uuid.UUID, level types.PermissionLevel) *types.PermissionGrant {
	return &types.PermissionGrant{
		ID:           uuid.New(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		TeamID:       &teamID,
		Level:        level,
		GrantedBy:    uuid.New(),
		CreatedAt:    time.Now(),
	}
}

func TestHasProjectPermission_OwnerBypass(t *testing.T) {
	f := newResolverFixture()
	ctx := context.Background()

	ownerID := uuid.New()
	projectID := uuid.New()
	f.lookups.On("GetProject", mock.Anything, projectID).Return(&types.Project{ID: projectID, Name: "Apollo", OwnerID: ownerID}, nil)

	// Owner with zero grants passes every level without a grant lookup.
	for _, level := range []types.PermissionLevel{types.PermissionRead, types.PermissionWrite, types.PermissionDelete, types.PermissionAdmin} {
		allowed, err := f.service.HasProjectPermission(ctx, projectID, ownerID, level)
		require.NoError(t, err)
		assert.True(t, allowed, "owner should pass %s", level)
	}
	f.repo.AssertNotCalled(t, "ListGrantsForPrincipals", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHasProjectPermission_MissingProjectFailsClosed(t *testing.T) {
	f := newResolverFixture()
	ctx := context.Background()

	projectID := uuid.New()
	f.lookups.On("GetProject", mock.Anything, projectID).Return(nil, types.ErrNotFound)

	allowed, err := f.service.HasProjectPermission(ctx, projectID, uuid.New(), types.PermissionRead)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestHasProjectPermission_RankComparison(t *testing.T) {
	ctx := context.Background()

	projectID := uuid.New()
	userID := uuid.New()
	teamID := uuid.New()

	tests := []struct {
		name     string
		grants   []*types.PermissionGrant
		required types.PermissionLevel
		want     bool
	}{
		{
			name:     "No grants denies",
			grants:   []*types.PermissionGrant{},
			required: types.PermissionRead,
			want:     false,
		},
		{
			name:     "ADMIN grant satisfies READ",
			grants:   []*types.PermissionGrant{userGrant(types.ResourceProject, projectID, userID, types.PermissionAdmin)},
			required: types.PermissionRead,
			want:     true,
		},
		{
			name:     "WRITE grant does not satisfy DELETE",
			grants:   []*types.PermissionGrant{userGrant(types.ResourceProject, projectID, userID, types.PermissionWrite)},
			required: types.PermissionDelete,
			want:     false,
		},
		{
			name:     "Team WRITE satisfies WRITE",
			grants:   []*types.PermissionGrant{teamGrant(types.ResourceProject, projectID, teamID, types.PermissionWrite)},
			required: types.PermissionWrite,
			want:     true,
		},
		{
			name:     "Team WRITE does not satisfy ADMIN",
			grants:   []*types.PermissionGrant{teamGrant(types.ResourceProject, projectID, teamID, types.PermissionWrite)},
			required: types.PermissionAdmin,
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newResolverFixture()
			f.lookups.On("GetProject", mock.Anything, projectID).Return(&types.Project{ID: projectID, Name: "Apollo", OwnerID: uuid.New()}, nil)
			f.teams.On("ListTeamIDsForUser", mock.Anything, userID).Return([]uuid.UUID{teamID}, nil)
			f.repo.On("ListGrantsForPrincipals", mock.Anything, types.ResourceProject, projectID, userID, []uuid.UUID{teamID}).Return(tt.grants, nil)

			allowed, err := f.service.HasProjectPermission(ctx, projectID, userID, tt.required)
			require.NoError(t, err)
			assert.Equal(t, tt.want, allowed)
		})
	}
}

func TestHasProjectPermission_UnknownLevel(t *testing.T) {
	f := newResolverFixture()

	allowed, err := f.service.HasProjectPermission(context.Background(), uuid.New(), uuid.New(), types.PermissionLevel("SUPERUSER"))
	assert.False(t, allowed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrBadRequest))
}

func TestHasProjectPermission_TeamMembershipCached(t *testing.T) {
	f := newResolverFixture()
	ctx := context.Background()

	projectID := uuid.New()
	userID := uuid.New()
	teamID := uuid.New()

	f.lookups.On("GetProject", mock.Anything, projectID).Return(&types.Project{ID: projectID, Name: "Apollo", OwnerID: uuid.New()}, nil)
	f.teams.On("ListTeamIDsForUser", mock.Anything, userID).Return([]uuid.UUID{teamID}, nil).Once()
	f.repo.On("ListGrantsForPrincipals", mock.Anything, types.ResourceProject, projectID, userID, []uuid.UUID{teamID}).
		Return([]*types.PermissionGrant{teamGrant(types.ResourceProject, projectID, teamID, types.PermissionRead)}, nil)

	for i := 0; i < 3; i++ {
		allowed, err := f.service.HasProjectPermission(ctx, projectID, userID, types.PermissionRead)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	f.teams.AssertNumberOfCalls(t, "ListTeamIDsForUser", 1)
}

func TestHasTaskPermission_FallsBackToProject(t *testing.T) {
	f := newResolverFixture()
	ctx := context.Background()

	projectID := uuid.New()
	taskID := uuid.New()
	userID := uuid.New()

	f.lookups.On("GetTask", mock.Anything, taskID).Return(&types.Task{ID: taskID, ProjectID: projectID, Title: "Ship it"}, nil)
	f.repo.On("ListGrantsForResource", mock.Anything, types.ResourceTask, taskID).Return([]*types.PermissionGrant{}, nil)
	f.lookups.On("GetProject", mock.Anything, projectID).Return(&types.Project{ID: projectID, Name: "Apollo", OwnerID: uuid.New()}, nil)
	f.teams.On("ListTeamIDsForUser", mock.Anything, userID).Return([]uuid.UUID{}, nil)
	f.repo.On("ListGrantsForPrincipals", mock.Anything, types.ResourceProject, projectID, userID, []uuid.UUID{}).
		Return([]*types.PermissionGrant{userGrant(types.ResourceProject, projectID, userID, types.PermissionWrite)}, nil)

	allowed, err := f.service.HasTaskPermission(ctx, taskID, userID, types.PermissionWrite)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestHasTaskPermission_TaskGrantsShadowProjectGrants(t *testing.T) {
	// The task carries a grant for someone else; the caller's project
	// ADMIN must not leak through the shadow.
	f := newResolverFixture()
	ctx := context.Background()

	projectID := uuid.New()
	taskID := uuid.New()
	projectAdmin := uuid.New()
	otherUser := uuid.New()

	f.lookups.On("GetTask", mock.Anything, taskID).Return(&types.Task{ID: taskID, ProjectID: projectID, Title: "Ship it"}, nil)
	f.repo.On("ListGrantsForResource", mock.Anything, types.ResourceTask, taskID).
		Return([]*types.PermissionGrant{userGrant(types.ResourceTask, taskID, otherUser, types.PermissionAdmin)}, nil)
	f.teams.On("ListTeamIDsForUser", mock.Anything, projectAdmin).Return([]uuid.UUID{}, nil)

	allowed, err := f.service.HasTaskPermission(ctx, taskID, projectAdmin, types.PermissionRead)
	require.NoError(t, err)
	assert.False(t, allowed)
	f.lookups.AssertNotCalled(t, "GetProject", mock.Anything, mock.Anything)
}

func TestHasTaskPermission_LowerTaskGrantShadowsHigherProjectGrant(t *testing.T) {
	f := newResolverFixture()
	ctx := context.Background()

	projectID := uuid.New()
	taskID := uuid.New()
	userID := uuid.New()

	f.lookups.On("GetTask", mock.Anything, taskID).Return(&types.Task{ID: taskID, ProjectID: projectID, Title: "Ship it"}, nil)
	f.repo.On("ListGrantsForResource", mock.Anything, types.ResourceTask, taskID).
		Return([]*types.PermissionGrant{userGrant(types.ResourceTask, taskID, userID, types.PermissionRead)}, nil)
	f.teams.On("ListTeamIDsForUser", mock.Anything, userID).Return([]uuid.UUID{}, nil)

	// READ on the task, whatever the project says.
	allowed, err := f.service.HasTaskPermission(ctx, taskID, userID, types.PermissionRead)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = f.service.HasTaskPermission(ctx, taskID, userID, types.PermissionWrite)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestHasTaskPermission_MissingTaskFailsClosed(t *testing.T) {
	f := newResolverFixture()

	taskID := uuid.New()
	f.lookups.On("GetTask", mock.Anything, taskID).Return(nil, types.ErrNotFound)

	allowed, err := f.service.HasTaskPermission(context.Background(), taskID, uuid.New(), types.PermissionRead)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestGrantProjectPermission_PrincipalValidation(t *testing.T) {
	userID := uuid.New()
	teamID := uuid.New()

	tests := []struct {
		name   string
		params types.GrantPermissionParams
	}{
		{
			name:   "Both principals rejected",
			params: types.GrantPermissionParams{UserID: &userID, TeamID: &teamID, Level: types.PermissionRead},
		},
		{
			name:   "Neither principal rejected",
			params: types.GrantPermissionParams{Level: types.PermissionRead},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newResolverFixture()

			_, err := f.service.GrantProjectPermission(context.Background(), uuid.New(), tt.params, uuid.New())
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrBadRequest))
			f.repo.AssertNotCalled(t, "CreateGrant", mock.Anything, mock.Anything)
		})
	}
}

func TestGrantProjectPermission_OwnerGrantsToUser(t *testing.T) {
	f := newResolverFixture()
	ctx := context.Background()

	ownerID := uuid.New()
	projectID := uuid.New()
	granteeID := uuid.New()

	f.lookups.On("GetProject", mock.Anything, projectID).Return(&types.Project{ID: projectID, Name: "Apollo", OwnerID: ownerID}, nil)
	f.lookups.On("GetUser", mock.Anything, granteeID).Return(&types.UserRef{ID: granteeID, DisplayName: "Grantee"}, nil)
	f.lookups.On("GetUser", mock.Anything, ownerID).Return(&types.UserRef{ID: ownerID, DisplayName: "Owner"}, nil)
	f.repo.On("CreateGrant", mock.Anything, mock.MatchedBy(func(g *types.PermissionGrant) bool {
		return g.ResourceType == types.ResourceProject &&
			g.ResourceID == projectID &&
			g.UserID != nil && *g.UserID == granteeID &&
			g.TeamID == nil &&
			g.Level == types.PermissionWrite &&
			g.GrantedBy == ownerID
	})).Return(nil)

	detail, err := f.service.GrantProjectPermission(ctx, projectID, types.GrantPermissionParams{UserID: &granteeID, Level: types.PermissionWrite}, ownerID)
	require.NoError(t, err)
	assert.Equal(t, "Apollo", detail.ResourceName)
	assert.Equal(t, "Grantee", detail.PrincipalName)
	assert.Equal(t, "Owner", detail.GrantedByName)
	f.repo.AssertExpectations(t)
}

func TestGrantProjectPermission_NonAdminRejected(t *testing.T) {
	f := newResolverFixture()
	ctx := context.Background()

	projectID := uuid.New()
	granterID := uuid.New()
	granteeID := uuid.New()

	f.lookups.On("GetProject", mock.Anything, projectID).Return(&types.Project{ID: projectID, Name: "Apollo", OwnerID: uuid.New()}, nil)
	f.teams.On("ListTeamIDsForUser", mock.Anything, granterID).Return([]uuid.UUID{}, nil)
	// Granter holds WRITE, which is not enough to manage grants.
	f.repo.On("ListGrantsForPrincipals", mock.Anything, types.ResourceProject, projectID, granterID, []uuid.UUID{}).
		Return([]*types.PermissionGrant{userGrant(types.ResourceProject, projectID, granterID, types.PermissionWrite)}, nil)

	_, err := f.service.GrantProjectPermission(ctx, projectID, types.GrantPermissionParams{UserID: &granteeID, Level: types.PermissionRead}, granterID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrForbidden))
	f.repo.AssertNotCalled(t, "CreateGrant", mock.Anything, mock.Anything)
}

func TestGrantProjectPermission_DuplicateGrant(t *testing.T) {
	f := newResolverFixture()
	ctx := context.Background()

	ownerID := uuid.New()
	projectID := uuid.New()
	granteeID := uuid.New()

	f.lookups.On("GetProject", mock.Anything, projectID).Return(&types.Project{ID: projectID, Name: "Apollo", OwnerID: ownerID}, nil)
	f.lookups.On("GetUser", mock.Anything, granteeID).Return(&types.UserRef{ID: granteeID, DisplayName: "Grantee"}, nil)
	f.repo.On("CreateGrant", mock.Anything, mock.Anything).Return(types.ErrDuplicateGrant)

	_, err := f.service.GrantProjectPermission(ctx, projectID, types.GrantPermissionParams{UserID: &granteeID, Level: types.PermissionRead}, ownerID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrDuplicateGrant))
	assert.True(t, errors.Is(err, types.ErrConflict))
}

func TestRevokeProjectPermission_MissingGrant(t *testing.T) {
	f := newResolverFixture()
	ctx := context.Background()

	ownerID := uuid.New()
	projectID := uuid.New()
	granteeID := uuid.New()

	f.lookups.On("GetProject", mock.Anything, projectID).Return(&types.Project{ID: projectID, Name: "Apollo", OwnerID: ownerID}, nil)
	f.repo.On("DeleteGrant", mock.Anything, types.ResourceProject, projectID, &granteeID, (*uuid.UUID)(nil)).Return(types.ErrNotFound)

	err := f.service.RevokeProjectPermission(ctx, projectID, &granteeID, nil, ownerID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestGrantTaskPermission_ProjectAdminManagesShadowedTask(t *testing.T) {
	// A project admin keeps grant-management rights on a task even when a
	// task grant for someone else shadows their read access.
	f := newResolverFixture()
	ctx := context.Background()

	ownerID := uuid.New()
	projectID := uuid.New()
	taskID := uuid.New()
	granteeID := uuid.New()
	otherUser := uuid.New()

	f.lookups.On("GetTask", mock.Anything, taskID).Return(&types.Task{ID: taskID, ProjectID: projectID, Title: "Ship it"}, nil)
	f.repo.On("ListGrantsForResource", mock.Anything, types.ResourceTask, taskID).
		Return([]*types.PermissionGrant{userGrant(types.ResourceTask, taskID, otherUser, types.PermissionAdmin)}, nil)
	f.teams.On("ListTeamIDsForUser", mock.Anything, ownerID).Return([]uuid.UUID{}, nil)
	f.lookups.On("GetProject", mock.Anything, projectID).Return(&types.Project{ID: projectID, Name: "Apollo", OwnerID: ownerID}, nil)
	f.lookups.On("GetUser", mock.Anything, granteeID).Return(&types.UserRef{ID: granteeID, DisplayName: "Grantee"}, nil)
	f.lookups.On("GetUser", mock.Anything, ownerID).Return(&types.UserRef{ID: ownerID, DisplayName: "Owner"}, nil)
	f.repo.On("CreateGrant", mock.Anything, mock.MatchedBy(func(g *types.PermissionGrant) bool {
		return g.ResourceType == types.ResourceTask && g.ResourceID == taskID
	})).Return(nil)

	detail, err := f.service.GrantTaskPermission(ctx, taskID, types.GrantPermissionParams{UserID: &granteeID, Level: types.PermissionRead}, ownerID)
	require.NoError(t, err)
	assert.Equal(t, "Ship it", detail.ResourceName)
	f.repo.AssertExpectations(t)
}

func TestListProjectPermissions_RequiresAdmin(t *testing.T) {
	f := newResolverFixture()
	ctx := context.Background()

	projectID := uuid.New()
	userID := uuid.New()

	f.lookups.On("GetProject", mock.Anything, projectID).Return(&types.Project{ID: projectID, Name: "Apollo", OwnerID: uuid.New()}, nil)
	f.teams.On("ListTeamIDsForUser", mock.Anything, userID).Return([]uuid.UUID{}, nil)
	f.repo.On("ListGrantsForPrincipals", mock.Anything, types.ResourceProject, projectID, userID, []uuid.UUID{}).
		Return([]*types.PermissionGrant{userGrant(types.ResourceProject, projectID, userID, types.PermissionRead)}, nil)

	_, err := f.service.ListProjectPermissions(ctx, projectID, userID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrForbidden))
}

func TestPermissionLevelSatisfies(t *testing.T) {
	assert.True(t, types.PermissionAdmin.Satisfies(types.PermissionRead))
	assert.True(t, types.PermissionDelete.Satisfies(types.PermissionWrite))
	assert.True(t, types.PermissionWrite.Satisfies(types.PermissionWrite))
	assert.False(t, types.PermissionRead.Satisfies(types.PermissionWrite))
	assert.False(t, types.PermissionLevel("BOGUS").Satisfies(types.PermissionRead))
}
