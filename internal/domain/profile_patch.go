package domain

// ProfilePatch carries the fields an edit form changed. Nil means untouched.
type ProfilePatch struct {
	FullName  *string `json:"full_name,omitempty" validate:"omitempty,min=1,max=120"`
	AvatarURL *string `json:"avatar_url,omitempty" validate:"omitempty,url"`
	Location  *string `json:"location,omitempty" validate:"omitempty,max=120"`
	Bio       *string `json:"bio,omitempty" validate:"omitempty,max=2000"`
	Category  *string `json:"category,omitempty" validate:"omitempty,max=80"`
}

// profileFields maps column names to the string field they address.
var profileFields = map[string]func(*RoleProfile) *string{
	"full_name":  func(p *RoleProfile) *string { return &p.FullName },
	"avatar_url": func(p *RoleProfile) *string { return &p.AvatarURL },
	"location":   func(p *RoleProfile) *string { return &p.Location },
	"bio":        func(p *RoleProfile) *string { return &p.Bio },
	"category":   func(p *RoleProfile) *string { return &p.Category },
}

// Fields returns the set fields keyed by column name.
func (p ProfilePatch) Fields() map[string]string {
	out := make(map[string]string, 5)
	set := func(name string, v *string) {
		if v != nil {
			out[name] = *v
		}
	}
	set("full_name", p.FullName)
	set("avatar_url", p.AvatarURL)
	set("location", p.Location)
	set("bio", p.Bio)
	set("category", p.Category)
	return out
}

// Empty reports whether the patch touches nothing.
func (p ProfilePatch) Empty() bool {
	return len(p.Fields()) == 0
}

// ProfileField reads a patchable column from p.
func ProfileField(p *RoleProfile, name string) (string, bool) {
	get, ok := profileFields[name]
	if !ok || p == nil {
		return "", false
	}
	return *get(p), true
}

// SetProfileField writes a patchable column on p. Unknown names are ignored.
func SetProfileField(p *RoleProfile, name, value string) {
	if get, ok := profileFields[name]; ok && p != nil {
		*get(p) = value
	}
}
