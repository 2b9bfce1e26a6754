package tas

// User is a TAS user account.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email"`
	Institution string `json:"institution"`
}

// Institution is an entry of the TAS institution list.
type Institution struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Field is a node of the TAS science field hierarchy.
type Field struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	ParentID int64   `json:"parentId"`
	Children []Field `json:"children"`
}

// Flatten returns every field name in the hierarchy, parents before children.
func Flatten(fields []Field) []string {
	var names []string
	var walk func([]Field)
	walk = func(fs []Field) {
		for _, f := range fs {
			names = append(names, f.Name)
			walk(f.Children)
		}
	}
	walk(fields)
	return names
}
