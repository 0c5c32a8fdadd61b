package models

import (
	_ "github.com/vtonlabs/tryon/model/models/sams"
	_ "github.com/vtonlabs/tryon/model/models/unetmask"
)
