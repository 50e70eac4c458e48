package rbac

type Role string
type Action string

const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleAuthor      Role = "author"
)

const (
	ActionRead      Action = "read"
	ActionVote      Action = "vote"
	ActionComment   Action = "comment"
	ActionSuggest   Action = "suggest"
	ActionModerate  Action = "moderate"
	ActionConfigure Action = "configure"
	ActionPublish   Action = "publish"
)

// Can reports whether role may perform action on an open field. Closed
// fields are handled by the annotation engine.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAuthor:
		return true
	case RoleContributor:
		return action == ActionRead || action == ActionVote || action == ActionComment || action == ActionSuggest
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleContributor, RoleAuthor:
		return Role(role)
	default:
		return RoleViewer
	}
}
