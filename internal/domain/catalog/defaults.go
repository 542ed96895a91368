package catalog

// FixedPrefix are the stations every route starts with, in this order,
// before load balancing applies.
var FixedPrefix = []string{"LAB", "XR", "BIO"}

var defaultClinics = []Clinic{
	{ID: "LAB", Name: "Laboratory"},
	{ID: "XR", Name: "Radiology"},
	{ID: "BIO", Name: "Vital Signs"},
	{ID: "EYE", Name: "Ophthalmology"},
	{ID: "INT", Name: "Internal Medicine"},
	{ID: "SUR", Name: "Surgery"},
	{ID: "ENT", Name: "Ear, Nose and Throat"},
	{ID: "PSY", Name: "Psychiatry"},
	{ID: "DNT", Name: "Dental"},
	{ID: "DER", Name: "Dermatology"},
	{ID: "ECG", Name: "Electrocardiography"},
	{ID: "AUD", Name: "Audiology"},
}

var fullExam = []string{"LAB", "XR", "BIO", "EYE", "INT", "SUR", "ENT", "PSY", "DNT", "DER"}

var defaultRoutes = []struct {
	examType string
	aliases  []string
	stations []string
}{
	{"recruitment", []string{"تجنيد"}, fullExam},
	{"promotion", []string{"ترفيع"}, fullExam},
	{"transfer", []string{"نقل"}, fullExam},
	{"referral", []string{"تحويل"}, fullExam},
	{"contract", []string{"تجديد التعاقد"}, fullExam},
	{"aviation", []string{"طيران سنوي"}, []string{"LAB", "EYE", "INT", "ENT", "ECG", "AUD"}},
	{"cooks", []string{"طباخين"}, []string{"LAB", "INT", "ENT", "SUR"}},
	{"courses", []string{"دورات"}, []string{"LAB", "EYE", "SUR", "INT"}},
}

// Split moves the stations listed in fixed to the prefix, keeping their
// relative order, and leaves the rest as the reorderable middle.
func Split(examType string, stations, fixed []string) Template {
	isFixed := make(map[string]bool, len(fixed))
	for _, id := range fixed {
		isFixed[NormalizeID(id)] = true
	}
	t := Template{ExamType: examType}
	for _, id := range stations {
		if isFixed[NormalizeID(id)] {
			t.Prefix = append(t.Prefix, id)
		} else {
			t.Middle = append(t.Middle, id)
		}
	}
	return t
}

// Default returns the built-in catalog.
func Default() *Catalog {
	templates := make([]Template, 0, len(defaultRoutes))
	for _, r := range defaultRoutes {
		t := Split(r.examType, r.stations, FixedPrefix)
		t.Aliases = r.aliases
		templates = append(templates, t)
	}
	c, err := New(defaultClinics, templates)
	if err != nil {
		panic("catalog: invalid built-in catalog: " + err.Error())
	}
	return c
}
