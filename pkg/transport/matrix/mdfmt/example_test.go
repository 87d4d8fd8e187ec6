// Copyright 2024-2026 Aiku AI

package mdfmt_test

import (
	"fmt"

	"github.com/aiku/msgsupervisor/pkg/transport/matrix/mdfmt"
)

func ExampleRender() {
	content := mdfmt.Render("**hello** world")
	fmt.Println(content.FormattedBody)
	// Output: <strong>hello</strong> world
}
