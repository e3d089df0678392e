package tags

import "errors"

var (
	ErrEmptyName              = errors.New("name cannot be empty")
	ErrDuplicateTag           = errors.New("tag already exists")
	ErrTagNotFound            = errors.New("tag not found")
	ErrDuplicateCategory      = errors.New("category already exists")
	ErrCategoryNotFound       = errors.New("category not found")
	ErrInvalidTarget          = errors.New("target is not a real category")
	ErrInsufficientComponents = errors.New("combined tag needs at least two distinct components")
	ErrReservedName           = errors.New("name is reserved")
	ErrInvariant              = errors.New("tag model invariant violated")
)
