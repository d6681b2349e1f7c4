package workflow

import "errors"

// ErrSyncplicityRequired — команда требует включённой загрузки через Syncplicity.
var ErrSyncplicityRequired = errors.New("workflow: команда недоступна без Syncplicity")
