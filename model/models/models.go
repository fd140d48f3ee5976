package models

import (
	_ "github.com/vanlab/van/model/models/van"
)
