// Copyright 2025 the Fornax Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package initrd_test

import (
	"testing"

	"github.com/fornax-os/fornax/initrd"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestInitrd(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type InitrdTest struct {
}

func init() { RegisterTestSuite(&InitrdTest{}) }

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *InitrdTest) EmptyImage() {
	raw, err := initrd.Build(nil)
	AssertEq(nil, err)
	AssertEq(12, len(raw))

	img, err := initrd.Parse(raw)
	AssertEq(nil, err)
	ExpectEq(0, len(img.Files()))
}

func (t *InitrdTest) RoundTrip() {
	files := []initrd.File{
		{Name: "init", Data: []byte("\x7fELF fake")},
		{Name: "sh", Data: []byte{}},
		{Name: "motd", Data: []byte("welcome to fornax\n")},
	}

	raw, err := initrd.Build(files)
	AssertEq(nil, err)

	img, err := initrd.Parse(raw)
	AssertEq(nil, err)
	AssertEq(3, len(img.Files()))

	for _, f := range files {
		data, ok := img.Lookup(f.Name)
		AssertTrue(ok, "missing %q", f.Name)
		ExpectThat(data, DeepEquals(f.Data))
	}

	_, ok := img.Lookup("nope")
	ExpectFalse(ok)
}

func (t *InitrdTest) BadMagic() {
	_, err := initrd.Parse([]byte("NOTANIMG....."))
	ExpectNe(nil, err)
}

func (t *InitrdTest) TruncatedTable() {
	raw, err := initrd.Build([]initrd.File{{Name: "x", Data: []byte("y")}})
	AssertEq(nil, err)

	_, err = initrd.Parse(raw[:20])
	ExpectNe(nil, err)
}

func (t *InitrdTest) OutOfBoundsEntry() {
	raw, err := initrd.Build([]initrd.File{{Name: "x", Data: []byte("abc")}})
	AssertEq(nil, err)

	// Chop the data off the end; the entry now points past the image.
	_, err = initrd.Parse(raw[: len(raw)-2 : len(raw)-2])
	ExpectNe(nil, err)
}

func (t *InitrdTest) NameTooLong() {
	long := make([]byte, 80)
	for i := range long {
		long[i] = 'a'
	}

	_, err := initrd.Build([]initrd.File{{Name: string(long)}})
	ExpectNe(nil, err)
}

func (t *InitrdTest) LookupReturnsPackedBytes() {
	content := []byte("the quick brown fox")
	raw, err := initrd.Build([]initrd.File{{Name: "f", Data: content}})
	AssertEq(nil, err)

	img, err := initrd.Parse(raw)
	AssertEq(nil, err)

	got, ok := img.Lookup("f")
	AssertTrue(ok)
	ExpectEq(string(content), string(got))
}
