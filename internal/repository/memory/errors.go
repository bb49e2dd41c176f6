package memory

import "github.com/duty-duck/duty-duck-sub000/internal/apperrors"

var errNotFound = apperrors.ErrNotFound
