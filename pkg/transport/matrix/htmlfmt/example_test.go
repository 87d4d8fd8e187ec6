// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package htmlfmt_test

import (
	"fmt"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/msgsupervisor/pkg/transport/matrix/htmlfmt"
)

func ExampleText() {
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          "> <@alice:example.org> deploy?\n\nhello world",
		Format:        event.FormatHTML,
		FormattedBody: "<mx-reply><blockquote>deploy?</blockquote></mx-reply><strong>hello</strong> <em>world</em>",
	}

	fmt.Println(htmlfmt.Text(content))
	// Output: **hello** _world_
}
