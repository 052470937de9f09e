package teams

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

// MockTeamsRepo is a mock implementation of Repository
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

func membership(teamID, userID uuid.UUID, role types.TeamRole) *types.TeamMembership {
	return &types.TeamMembership{TeamID: teamID, UserID: userID, Role: role, JoinedAt: time.Now()}
}

func TestCreateTeam_RequiresName(t *testing.T) {
	repo := new(MockTeamsRepo)
	service := NewService(repo, slog.Default())

	_, err := service.CreateTeam(context.Background(), uuid.New(), types.CreateTeamParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrBadRequest))
	repo.AssertNotCalled(t, "CreateTeam", mock.Anything, mock.Anything, mock.Anything)
}

func TestAddMember_Authorization(t *testing.T) {
	teamID := uuid.New()
	ownerID := uuid.New()
	adminID := uuid.New()
	memberID := uuid.New()
	newUserID := uuid.New()

	tests := []struct {
		name        string
		requestedBy uuid.UUID
		actorRole   types.TeamRole
		newRole     types.TeamRole
		wantErr     error
	}{
		{
			name:        "Owner adds admin",
			requestedBy: ownerID,
			actorRole:   types.TeamRoleOwner,
			newRole:     types.TeamRoleAdmin,
		},
		{
			name:        "Admin adds member",
			requestedBy: adminID,
			actorRole:   types.TeamRoleAdmin,
			newRole:     types.TeamRoleMember,
		},
		{
			name:        "Admin cannot mint owner",
			requestedBy: adminID,
			actorRole:   types.TeamRoleAdmin,
			newRole:     types.TeamRoleOwner,
			wantErr:     types.ErrForbidden,
		},
		{
			name:        "Plain member cannot add",
			requestedBy: memberID,
			actorRole:   types.TeamRoleMember,
			newRole:     types.TeamRoleViewer,
			wantErr:     types.ErrForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockTeamsRepo)
			service := NewService(repo, slog.Default())

			repo.On("GetMembership", mock.Anything, teamID, tt.requestedBy).
				Return(membership(teamID, tt.requestedBy, tt.actorRole), nil)
			repo.On("AddMember", mock.Anything, teamID, newUserID, tt.newRole).
				Return(membership(teamID, newUserID, tt.newRole), nil)

			_, err := service.AddMember(context.Background(), teamID, tt.requestedBy, newUserID, tt.newRole)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				repo.AssertNotCalled(t, "AddMember", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAddMember_UnknownRoleRejected(t *testing.T) {
	repo := new(MockTeamsRepo)
	service := NewService(repo, slog.Default())

	_, err := service.AddMember(context.Background(), uuid.New(), uuid.New(), uuid.New(), types.TeamRole("SUPREME"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrBadRequest))
}

func TestUpdateMemberRole_OwnerRowImmutable(t *testing.T) {
	repo := new(MockTeamsRepo)
	service := NewService(repo, slog.Default())

	teamID := uuid.New()
	ownerID := uuid.New()

	repo.On("GetTeam", mock.Anything, teamID).Return(&types.Team{ID: teamID, OwnerID: ownerID}, nil)

	// Even the owner themselves cannot demote the registered owner row.
	err := service.UpdateMemberRole(context.Background(), teamID, ownerID, ownerID, types.TeamRoleMember)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrForbidden))
	repo.AssertNotCalled(t, "UpdateMemberRole", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateMemberRole_AdminCannotTouchEqualRank(t *testing.T) {
	repo := new(MockTeamsRepo)
	service := NewService(repo, slog.Default())

	teamID := uuid.New()
	adminID := uuid.New()
	otherAdminID := uuid.New()

	repo.On("GetTeam", mock.Anything, teamID).Return(&types.Team{ID: teamID, OwnerID: uuid.New()}, nil)
	repo.On("GetMembership", mock.Anything, teamID, adminID).Return(membership(teamID, adminID, types.TeamRoleAdmin), nil)
	repo.On("GetMembership", mock.Anything, teamID, otherAdminID).Return(membership(teamID, otherAdminID, types.TeamRoleAdmin), nil)

	err := service.UpdateMemberRole(context.Background(), teamID, adminID, otherAdminID, types.TeamRoleMember)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrForbidden))
}

func TestUpdateMemberRole_OwnerPromotesMember(t *testing.T) {
	repo := new(MockTeamsRepo)
	service := NewService(repo, slog.Default())

	teamID := uuid.New()
	ownerID := uuid.New()
	memberID := uuid.New()

	repo.On("GetTeam", mock.Anything, teamID).Return(&types.Team{ID: teamID, OwnerID: ownerID}, nil)
	repo.On("GetMembership", mock.Anything, teamID, ownerID).Return(membership(teamID, ownerID, types.TeamRoleOwner), nil)
	repo.On("GetMembership", mock.Anything, teamID, memberID).Return(membership(teamID, memberID, types.TeamRoleMember), nil)
	repo.On("UpdateMemberRole", mock.Anything, teamID, memberID, types.TeamRoleAdmin).Return(nil)

	err := service.UpdateMemberRole(context.Background(), teamID, ownerID, memberID, types.TeamRoleAdmin)
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestRemoveMember_OwnerNeverRemoved(t *testing.T) {
	repo := new(MockTeamsRepo)
	service := NewService(repo, slog.Default())

	teamID := uuid.New()
	ownerID := uuid.New()

	repo.On("GetTeam", mock.Anything, teamID).Return(&types.Team{ID: teamID, OwnerID: ownerID}, nil)

	err := service.RemoveMember(context.Background(), teamID, ownerID, ownerID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrForbidden))
	repo.AssertNotCalled(t, "RemoveMember", mock.Anything, mock.Anything, mock.Anything)
}

func TestRemoveMember_SelfLeaveAllowed(t *testing.T) {
	repo := new(MockTeamsRepo)
	service := NewService(repo, slog.Default())

	teamID := uuid.New()
	memberID := uuid.New()

	repo.On("GetTeam", mock.Anything, teamID).Return(&types.Team{ID: teamID, OwnerID: uuid.New()}, nil)
	repo.On("RemoveMember", mock.Anything, teamID, memberID).Return(nil)

	// No manager check on the self-leave path.
	err := service.RemoveMember(context.Background(), teamID, memberID, memberID)
	require.NoError(t, err)
	repo.AssertNotCalled(t, "GetMembership", mock.Anything, mock.Anything, mock.Anything)
}

func TestRemoveMember_AdminRemovesLowerRank(t *testing.T) {
	repo := new(MockTeamsRepo)
	service := NewService(repo, slog.Default())

	teamID := uuid.New()
	adminID := uuid.New()
	viewerID := uuid.New()

	repo.On("GetTeam", mock.Anything, teamID).Return(&types.Team{ID: teamID, OwnerID: uuid.New()}, nil)
	repo.On("GetMembership", mock.Anything, teamID, adminID).Return(membership(teamID, adminID, types.TeamRoleAdmin), nil)
	repo.On("GetMembership", mock.Anything, teamID, viewerID).Return(membership(teamID, viewerID, types.TeamRoleViewer), nil)
	repo.On("RemoveMember", mock.Anything, teamID, viewerID).Return(nil)

	err := service.RemoveMember(context.Background(), teamID, adminID, viewerID)
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestTeamRoleRank(t *testing.T) {
	assert.Less(t, types.TeamRoleViewer.Rank(), types.TeamRoleMember.Rank())
	assert.Less(t, types.TeamRoleMember.Rank(), types.TeamRoleAdmin.Rank())
	assert.Less(t, types.TeamRoleAdmin.Rank(), types.TeamRoleOwner.Rank())
	assert.Equal(t, 0, types.TeamRole("BOGUS").Rank())
}
